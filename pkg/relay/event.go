// Package relay implements the presence-aware message relay core: the
// presence directory (a single-writer actor owning all presence state), the
// per-identity delivery workers that drain durable logs to live sessions,
// and the session endpoints speaking the client command protocol.
package relay

// Event is the unit of relayed content: an ordered (subject, act, object)
// triple. Clients receive batches of events as a JSON array.
type Event struct {
	Subject string `json:"subject"`
	Act     string `json:"act"`
	Object  string `json:"object"`
}

// Fields flattens an event into the field map stored in the durable log.
func (e Event) Fields() map[string]string {
	return map[string]string{
		"subject": e.Subject,
		"act":     e.Act,
		"object":  e.Object,
	}
}

// EventFromFields rebuilds an event from a stored entry. Missing fields
// default to empty rather than failing the batch.
func EventFromFields(fields map[string]string) Event {
	return Event{
		Subject: fields["subject"],
		Act:     fields["act"],
		Object:  fields["object"],
	}
}

// InjectRequest is the payload of the /patient command: a serialized event
// plus the identities it is addressed to. The requester is stamped
// server-side from the sending session's bound identity.
type InjectRequest struct {
	Message   string   `json:"message"`
	Receivers []string `json:"receivers"`
	Requester string   `json:"requesterIdentity,omitempty"`
}
