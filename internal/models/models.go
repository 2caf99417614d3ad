package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Status is the per-driver trip status owned by the lifecycle machine.
type Status string

const (
	StatusAccepted                     Status = "ACCEPTED"
	StatusLoading                      Status = "LOADING"
	StatusLoaded                       Status = "LOADED"
	StatusInTransit                    Status = "IN_TRANSIT"
	StatusDelivered                    Status = "DELIVERED"
	StatusDeliveredPendingConfirmation Status = "DELIVERED_PENDING_CONFIRMATION"
	StatusCompleted                    Status = "COMPLETED"
	StatusCancelled                    Status = "CANCELLED"
	StatusRejected                     Status = "REJECTED"
)

var knownStatuses = map[Status]bool{
	StatusAccepted: true, StatusLoading: true, StatusLoaded: true, StatusInTransit: true,
	StatusDelivered: true, StatusDeliveredPendingConfirmation: true, StatusCompleted: true,
	StatusCancelled: true, StatusRejected: true,
}

func (s Status) Valid() bool { return knownStatuses[s] }

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// AssignmentStatus mirrors the trip status on the assignment row. The two
// confirmation-phase statuses collapse onto DELIVERED and CANCELLED.
func (s Status) AssignmentStatus() Status {
	switch s {
	case StatusDeliveredPendingConfirmation:
		return StatusDelivered
	case StatusRejected:
		return StatusCancelled
	}
	return s
}

// JobStatus is the coarse aggregate status of a job.
type JobStatus string

const (
	JobOpen       JobStatus = "OPEN"
	JobAssigned   JobStatus = "ASSIGNED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobDelivered  JobStatus = "DELIVERED"
	JobCompleted  JobStatus = "COMPLETED"
	JobCancelled  JobStatus = "CANCELLED"
)

type Role string

const (
	RoleDriver Role = "DRIVER"
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
)

// Actor is the authenticated identity behind a request.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

type Job struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"`
	Title              string     `json:"title,omitempty"`
	Status             JobStatus  `json:"status"`
	Price              int64      `json:"price"`
	Currency           string     `json:"currency,omitempty"`
	RequiredSlots      int        `json:"required_slots"`
	AcceptedSlots      int        `json:"accepted_slots"`
	CompletedSlots     int        `json:"completed_slots"`
	DriverID           string     `json:"driver_id,omitempty"`
	AssignedDriverIDs  []string   `json:"assigned_driver_ids"`
	Origin             Coord      `json:"origin"`
	Destination        Coord      `json:"destination"`
	Route              []Coord    `json:"route,omitempty"`
	CurrentLocation    *Coord     `json:"current_location,omitempty"`
	LastLocationUpdate *time.Time `json:"last_location_update,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (j *Job) SingleSlot() bool { return j.RequiredSlots <= 1 }

// OpenSlot reports whether another driver can be bound. A multi-slot job
// stays ASSIGNED after a release, so a freed slot is bindable there too.
func (j *Job) OpenSlot() bool {
	if j.AcceptedSlots >= j.RequiredSlots {
		return false
	}
	return j.Status == JobOpen || (!j.SingleSlot() && j.Status == JobAssigned)
}

func (j *Job) HasDriver(driverID string) bool {
	for _, id := range j.AssignedDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

// AddDriver binds a driver to a free slot. Callers check slot availability.
func (j *Job) AddDriver(driverID string) {
	j.AssignedDriverIDs = append(j.AssignedDriverIDs, driverID)
	j.AcceptedSlots++
	if j.SingleSlot() {
		j.DriverID = driverID
	}
	if j.AcceptedSlots >= j.RequiredSlots {
		j.Status = JobAssigned
	}
}

// ReleaseDriver removes a driver from the job. Single-slot jobs are reset to
// OPEN; multi-slot jobs keep their status while other slots remain filled.
func (j *Job) ReleaseDriver(driverID string) {
	kept := j.AssignedDriverIDs[:0]
	removed := false
	for _, id := range j.AssignedDriverIDs {
		if id == driverID && !removed {
			removed = true
			continue
		}
		kept = append(kept, id)
	}
	j.AssignedDriverIDs = kept
	if removed && j.AcceptedSlots > 0 {
		j.AcceptedSlots--
	}
	if j.SingleSlot() {
		j.DriverID = ""
		j.AcceptedSlots = 0
		j.Status = JobOpen
		return
	}
	if j.AcceptedSlots == 0 {
		j.Status = JobOpen
	}
}

// ApplyTripStatus folds one driver's trip status into the aggregate.
func (j *Job) ApplyTripStatus(driverID string, s Status) {
	switch s {
	case StatusCancelled, StatusRejected:
		j.ReleaseDriver(driverID)
		return
	case StatusCompleted:
		j.CompletedSlots++
		if j.SingleSlot() || j.CompletedSlots >= j.RequiredSlots {
			j.Status = JobCompleted
		}
		return
	}
	if !j.SingleSlot() {
		return
	}
	switch s {
	case StatusLoading, StatusLoaded, StatusInTransit:
		j.Status = JobInProgress
	case StatusDelivered, StatusDeliveredPendingConfirmation:
		j.Status = JobDelivered
	}
}

type Assignment struct {
	ID              string     `json:"id"`
	JobID           string     `json:"job_id"`
	DriverID        string     `json:"driver_id"`
	Status          Status     `json:"status"`
	AgreedPrice     int64      `json:"agreed_price"`
	PaymentIntentID string     `json:"payment_intent_id,omitempty"`
	CancelledBy     string     `json:"cancelled_by,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CancelAudit is stored on an assignment when it is forcibly cancelled.
type CancelAudit struct {
	By     string
	Role   Role
	Reason string
	At     time.Time
}

type TripProgress struct {
	JobID         string    `json:"job_id"`
	DriverID      string    `json:"driver_id"`
	CurrentStatus Status    `json:"current_status"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "PENDING"
	ProposalAccepted  ProposalStatus = "ACCEPTED"
	ProposalRejected  ProposalStatus = "REJECTED"
	ProposalCancelled ProposalStatus = "CANCELLED"
)

type Proposal struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	DriverID  string         `json:"driver_id"`
	Price     int64          `json:"price"`
	Status    ProposalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Checkpoint struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	DriverID   string    `json:"driver_id"`
	Kind       string    `json:"kind"`
	Position   *Coord    `json:"position,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

type LocationPing struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (p LocationPing) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

type IncidentType string

const (
	IncidentSignalLost        IncidentType = "SIGNAL_LOST"
	IncidentRouteDeviation    IncidentType = "ROUTE_DEVIATION"
	IncidentGPSDisabled       IncidentType = "GPS_DISABLED"
	IncidentSuspectedSpoofing IncidentType = "SUSPECTED_SPOOFING"
)

func (t IncidentType) Valid() bool {
	switch t {
	case IncidentSignalLost, IncidentRouteDeviation, IncidentGPSDisabled, IncidentSuspectedSpoofing:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type Incident struct {
	ID                string         `json:"id"`
	JobID             string         `json:"job_id"`
	DriverID          string         `json:"driver_id"`
	Type              IncidentType   `json:"incident_type"`
	Severity          Severity       `json:"severity"`
	LastKnownPosition *Coord         `json:"last_known_position,omitempty"`
	Description       string         `json:"description,omitempty"`
	Evidence          map[string]any `json:"evidence_data,omitempty"`
	AutoGenerated     bool           `json:"auto_generated"`
	CreatedAt         time.Time      `json:"created_at"`
}

// IncidentView is an incident joined with the display data of its job.
type IncidentView struct {
	Incident
	JobTitle string `json:"job_title,omitempty"`
	OwnerID  string `json:"owner_id"`
}

// TimelineEvent records one applied transition.
type TimelineEvent struct {
	JobID     string    `json:"job_id"`
	DriverID  string    `json:"driver_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actor_id"`
	ActorRole Role      `json:"actor_role"`
	Reason    string    `json:"reason,omitempty"`
	Version   int64     `json:"version"`
	At        time.Time `json:"at"`
}
