package distribution

import (
	"context"
	"sync"

	"github.com/bissquit/notification-distributor/internal/domain"
)

type fakeRuleRepository struct {
	sets map[string]*RuleSet
	err  error
}

func newFakeRuleRepository() *fakeRuleRepository {
	return &fakeRuleRepository{sets: make(map[string]*RuleSet)}
}

func (f *fakeRuleRepository) add(queue string, set *RuleSet) {
	f.sets[queue+"/"+set.Event.EventType] = set
}

func (f *fakeRuleRepository) FindRuleSet(_ context.Context, queue, eventType string) (*RuleSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	set, ok := f.sets[queue+"/"+eventType]
	if !ok {
		return nil, ErrNotFound
	}
	return set, nil
}

type fakeResolver struct {
	recipients map[string]domain.Recipient
	err        error
	calls      [][]domain.Subscription
}

func (f *fakeResolver) Resolve(_ context.Context, subs []domain.Subscription) ([]domain.Recipient, error) {
	f.calls = append(f.calls, subs)
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Recipient
	for _, s := range subs {
		if r, ok := f.recipients[s.SubscriberID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeJobQueue struct {
	mu   sync.Mutex
	jobs []domain.NotificationJob
	err  error
}

func (f *fakeJobQueue) EnqueueBulk(_ context.Context, jobs []domain.NotificationJob) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		f.jobs = append(f.jobs, j)
		ids = append(ids, j.ID)
	}
	return ids, nil
}

type fakeAttemptStore struct {
	mu       sync.Mutex
	attempts []domain.Attempt
	err      error
}

func (f *fakeAttemptStore) Upsert(_ context.Context, a domain.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return f.err
}

func (f *fakeAttemptStore) states() []domain.AttemptState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AttemptState, 0, len(f.attempts))
	for _, a := range f.attempts {
		out = append(out, a.State)
	}
	return out
}
