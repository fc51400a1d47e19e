// Package domain contains entities without logic, just meta-data
package domain

import "fmt"

var ErrDisplayNameEmpty = fmt.Errorf("%w: display name empty", ErrInvalidInput)

// ParticipantID is the per-connection address assigned by the transport.
type ParticipantID string

type Participant struct {
	ID          ParticipantID `json:"peerId"`
	DisplayName string        `json:"displayName"`
}

// ValidateDisplayName only rejects empty names; names are not unique.
func ValidateDisplayName(name string) error {
	if name == "" {
		return ErrDisplayNameEmpty
	}
	return nil
}
