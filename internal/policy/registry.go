package policy

import (
	"errors"
	"fmt"
)

var (
	ErrPolicyNotFound  = errors.New("policy not found")
	ErrPolicyNotActive = errors.New("policy not active")
	ErrAlreadyClaimed  = errors.New("policy already claimed")
)

// Registry owns every policy record and the per-holder index. It is not
// safe for concurrent use on its own: the underwriting engine serializes
// all access behind its mutex.
type Registry struct {
	nextID   uint64
	policies map[uint64]*Policy
	byHolder map[string][]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		nextID:   1,
		policies: make(map[uint64]*Policy),
		byHolder: make(map[string][]uint64),
	}
}

// Create assigns the next policy id, stores the record, and indexes it
// under the holder. The caller must have already reserved pool capacity.
func (r *Registry) Create(p Policy) *Policy {
	p.ID = r.nextID
	r.nextID++
	p.IsActive = true
	p.IsClaimed = false

	stored := p
	r.policies[stored.ID] = &stored
	r.byHolder[stored.Holder] = append(r.byHolder[stored.Holder], stored.ID)
	return &stored
}

// Get returns the policy record for id.
func (r *Registry) Get(id uint64) (*Policy, error) {
	p, ok := r.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrPolicyNotFound, id)
	}
	return p, nil
}

// HolderPolicyIDs returns the ids of every policy ever purchased by holder,
// in purchase order.
func (r *Registry) HolderPolicyIDs(holder string) []uint64 {
	ids := r.byHolder[holder]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// MarkClaimed flips a policy to the terminal Claimed state. The transition
// is irreversible and enforces at-most-once payout: a second call fails
// with ErrPolicyNotActive.
func (r *Registry) MarkClaimed(id uint64) (*Policy, error) {
	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if p.IsClaimed {
		return nil, fmt.Errorf("%w: id=%d", ErrAlreadyClaimed, id)
	}
	if !p.IsActive {
		return nil, fmt.Errorf("%w: id=%d", ErrPolicyNotActive, id)
	}

	p.IsActive = false
	p.IsClaimed = true
	return p, nil
}

// UnmarkClaimed reverts a MarkClaimed transition. Only the engine's payout
// rollback path may call this, before the claim is observable outside the
// critical section.
func (r *Registry) UnmarkClaimed(id uint64) {
	if p, ok := r.policies[id]; ok {
		p.IsActive = true
		p.IsClaimed = false
	}
}

// MarkExpired flips an active policy to the terminal inactive state without
// claiming it, so its reserved capital can be released.
func (r *Registry) MarkExpired(id uint64) (*Policy, error) {
	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, fmt.Errorf("%w: id=%d", ErrPolicyNotActive, id)
	}

	p.IsActive = false
	return p, nil
}

// Count returns the number of policies ever created.
func (r *Registry) Count() int {
	return len(r.policies)
}

// ActiveCount returns the number of currently active policies.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, p := range r.policies {
		if p.IsActive {
			n++
		}
	}
	return n
}
