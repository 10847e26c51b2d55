package models

// Action identifies the remote operation a queue entry carries. The set is
// closed: the coordinator maps each action to a handler through an explicit
// table and treats unknown tags as permanent failures.
type Action string

const (
	ActionAddPrescription Action = "add_prescription"
	ActionAddVital        Action = "add_vital"
	ActionAddReport       Action = "add_report"
	ActionAddContact      Action = "add_emergency_contact"
	ActionEmergencyAlert  Action = "emergency_alert"
	ActionDeleteRecord    Action = "delete_record"
)

// ActionCollections maps each action to the collection it updates.
// ActionEmergencyAlert has no backing collection: alerts are fire-and-forget
// submissions, and ActionDeleteRecord names its collection in the payload.
var ActionCollections = map[Action]Collection{
	ActionAddPrescription: CollectionPrescriptions,
	ActionAddVital:        CollectionVitals,
	ActionAddReport:       CollectionReports,
	ActionAddContact:      CollectionEmergencyContacts,
}

// DeletePayload is the queue data for ActionDeleteRecord: a local deletion
// propagated to the remote service.
type DeletePayload struct {
	Collection Collection `json:"collection"`
	RecordID   int64      `json:"record_id"`
	OwnerID    string     `json:"owner_id,omitempty"`
}

// Valid reports whether a is a known action tag.
func (a Action) Valid() bool {
	switch a {
	case ActionAddPrescription, ActionAddVital, ActionAddReport,
		ActionAddContact, ActionEmergencyAlert, ActionDeleteRecord:
		return true
	}
	return false
}
