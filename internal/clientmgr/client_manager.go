package clientmgr

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/Ryan0v0/flower-profiler/internal/model"
)

// ErrInsufficientClients flags a sample request that cannot meet its minimum.
var ErrInsufficientClients = errors.New("not enough available participants")

// Participant is one registered training client. Claim carries the device
// affinity and fractional share granted for the participant's next dispatch.
type Participant struct {
	Id    string
	Claim model.ResourceClaim
}

// IClientManager tracks the participants available for sampling.
type IClientManager interface {
	Register(participant *Participant) bool
	Unregister(participantId string)
	AvailableCount() int
	Sample(count int, minCount int) ([]*Participant, error)
}

// Registry is an in-memory client manager. Sampling draws uniformly without
// replacement from a seeded source, so a run can be replayed.
type Registry struct {
	mutex        sync.Mutex
	participants map[string]*Participant
	order        []string
	rng          *rand.Rand
	logger       hclog.Logger
}

func NewRegistry(seed int64, logger hclog.Logger) *Registry {
	return &Registry{
		participants: make(map[string]*Participant),
		rng:          rand.New(rand.NewSource(seed)),
		logger:       logger,
	}
}

// Register adds a participant. Returns false if the ID is already taken.
func (registry *Registry) Register(participant *Participant) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if _, found := registry.participants[participant.Id]; found {
		return false
	}
	registry.participants[participant.Id] = participant
	registry.order = append(registry.order, participant.Id)

	registry.logger.Info(fmt.Sprintf("Registered participant %s, %d available", participant.Id, len(registry.order)))

	return true
}

// Unregister removes a participant, if present.
func (registry *Registry) Unregister(participantId string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if _, found := registry.participants[participantId]; !found {
		return
	}
	delete(registry.participants, participantId)
	for i, id := range registry.order {
		if id == participantId {
			registry.order = append(registry.order[:i], registry.order[i+1:]...)
			break
		}
	}

	registry.logger.Info(fmt.Sprintf("Unregistered participant %s, %d available", participantId, len(registry.order)))
}

func (registry *Registry) AvailableCount() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	return len(registry.participants)
}

// Sample returns count participants drawn without replacement. It fails when
// fewer than minCount are available; count is capped at the available number.
func (registry *Registry) Sample(count int, minCount int) ([]*Participant, error) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	available := len(registry.order)
	if available < minCount {
		return nil, errors.Wrapf(ErrInsufficientClients, "%d available, %d required", available, minCount)
	}
	if count > available {
		count = available
	}

	sampled := make([]*Participant, 0, count)
	for _, index := range registry.rng.Perm(available)[:count] {
		sampled = append(sampled, registry.participants[registry.order[index]])
	}

	return sampled, nil
}
