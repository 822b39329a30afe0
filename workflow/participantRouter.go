package workflow

import (
	"fmt"

	"bitbucket.org/mmdatafocus/recruitsync/models"
)

// Route is where a recruitment's history record belongs.
type Route struct {
	Partition     models.Partition
	ParticipantId string
}

// ParticipantRouter resolves the history partition of a recruitment.
type ParticipantRouter struct{}

func (ParticipantRouter) Route(rec *models.Recruitment) (Route, error) {
	ref, err := rec.Participant()
	if err != nil {
		return Route{}, fmt.Errorf("%w: recruitment %s: %w", ErrAmbiguousParticipant, rec.ID, err)
	}
	return Route{Partition: ref.Partition(), ParticipantId: ref.ParticipantId()}, nil
}
