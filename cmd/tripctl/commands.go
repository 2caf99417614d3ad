package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/freight-trips/internal/client"
	"github.com/example/freight-trips/internal/models"
)

func tripCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "trip <job-id> <driver-id>",
		Short: "Show a driver's trip progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			tp, err := c.Trip(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, tp)
		},
	}
}

func advanceCmd(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "advance <job-id> <driver-id> <status>",
		Short: "Move a trip to a new status",
		Long: `Move a trip to a new status. The current status is read before every
attempt and all attempts share one idempotency key.

Statuses: ACCEPTED LOADING LOADED IN_TRANSIT DELIVERED
          DELIVERED_PENDING_CONFIRMATION COMPLETED CANCELLED REJECTED`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := models.Status(strings.ToUpper(args[2]))
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", args[2])
			}
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			res, err := c.Advance(cmd.Context(), args[0], args[1], status, reason)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the timeline")
	return cmd
}

func releaseCmd(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "release <job-id> <driver-id>",
		Short: "Release a driver from a job (owner or admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			res, err := c.Release(cmd.Context(), args[0], args[1], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "release reason")
	return cmd
}

func withdrawCmd(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "withdraw <job-id>",
		Short: "Withdraw yourself from a job (driver)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			res, err := c.Withdraw(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "withdrawal reason")
	return cmd
}

func locationCmd(g *globals) *cobra.Command {
	var (
		loc                      client.Location
		speed, heading, accuracy float64
	)
	cmd := &cobra.Command{
		Use:   "location <job-id>",
		Short: "Send a location ping for an active trip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc.JobID = args[0]
			if cmd.Flags().Changed("speed") {
				loc.Speed = &speed
			}
			if cmd.Flags().Changed("heading") {
				loc.Heading = &heading
			}
			if cmd.Flags().Changed("accuracy") {
				loc.Accuracy = &accuracy
			}
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			ping, err := c.SendLocation(cmd.Context(), loc)
			if err != nil {
				return err
			}
			return printJSON(cmd, ping)
		},
	}
	cmd.Flags().Float64Var(&loc.Lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&loc.Lng, "lng", 0, "longitude")
	cmd.Flags().Float64Var(&speed, "speed", 0, "speed in km/h")
	cmd.Flags().Float64Var(&heading, "heading", 0, "heading in degrees")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "accuracy in meters")
	cmd.Flags().StringVar(&loc.Source, "source", "cli", "ping source")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

func incidentCmd(g *globals) *cobra.Command {
	var in client.IncidentReport
	cmd := &cobra.Command{
		Use:   "incident <job-id> <type>",
		Short: "Report an incident (SIGNAL_LOST, ROUTE_DEVIATION, GPS_DISABLED, SUSPECTED_SPOOFING)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.JobID = args[0]
			in.IncidentType = strings.ToUpper(args[1])
			in.Severity = strings.ToUpper(in.Severity)
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			inc, err := c.ReportIncident(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd, inc)
		},
	}
	cmd.Flags().StringVar(&in.Severity, "severity", "", "LOW, MEDIUM, HIGH or CRITICAL")
	cmd.Flags().StringVar(&in.Description, "description", "", "free text description")
	return cmd
}

func incidentsCmd(g *globals) *cobra.Command {
	var (
		jobID string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List incidents visible to you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			out, err := c.Incidents(cmd.Context(), jobID, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "only incidents of this job (required for drivers)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of incidents")
	return cmd
}

func postJobCmd(g *globals) *cobra.Command {
	var (
		in               client.JobInput
		fromLat, fromLng float64
		toLat, toLng     float64
	)
	cmd := &cobra.Command{
		Use:   "post-job <title>",
		Short: "Post a new job (owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Title = args[0]
			in.Origin = models.Coord{Lat: fromLat, Lng: fromLng}
			in.Destination = models.Coord{Lat: toLat, Lng: toLng}
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			job, err := c.PostJob(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
	cmd.Flags().Int64Var(&in.Price, "price", 0, "price in minor units")
	cmd.Flags().StringVar(&in.Currency, "currency", "eur", "ISO currency code")
	cmd.Flags().IntVar(&in.RequiredSlots, "slots", 1, "number of drivers needed")
	cmd.Flags().Float64Var(&fromLat, "from-lat", 0, "origin latitude")
	cmd.Flags().Float64Var(&fromLng, "from-lng", 0, "origin longitude")
	cmd.Flags().Float64Var(&toLat, "to-lat", 0, "destination latitude")
	cmd.Flags().Float64Var(&toLng, "to-lng", 0, "destination longitude")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func jobCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			job, err := c.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
}

func acceptCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <job-id>",
		Short: "Accept a job at its posted price (driver)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			a, err := c.Accept(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, a)
		},
	}
}

func proposeCmd(g *globals) *cobra.Command {
	var price int64
	cmd := &cobra.Command{
		Use:   "propose <job-id>",
		Short: "Propose a price for a job (driver)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			p, err := c.Propose(cmd.Context(), args[0], price)
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}
	cmd.Flags().Int64Var(&price, "price", 0, "proposed price in minor units")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func approveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve a driver's proposal (owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			a, err := c.Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, a)
		},
	}
}

func checkinCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "checkin <job-id> <kind>",
		Short: "Record a checkpoint such as pickup or dropoff (driver)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client(cmd)
			if err != nil {
				return err
			}
			cp, err := c.Checkin(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, cp)
		},
	}
}
