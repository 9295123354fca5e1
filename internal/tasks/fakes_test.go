package tasks

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/desertthunder/regx/internal/models"
	"github.com/desertthunder/regx/internal/repositories"
	"github.com/desertthunder/regx/internal/services"
	"github.com/desertthunder/regx/internal/shared"
)

const verificationMail = `<p>Welcome</p><a href="https://chat.z.ai/auth/verify_email?token=verify-token&amp;email=%s&amp;username=user">Verify</a>`

type fakeIdentity struct {
	signupErrs []error // consumed one per call, then nil
	finishErr  error
	token      string
	onFinish   func()

	mu      sync.Mutex
	signups int
	finals  int
}

func (f *fakeIdentity) Signup(ctx context.Context, creds services.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signups++
	if len(f.signupErrs) > 0 {
		err := f.signupErrs[0]
		f.signupErrs = f.signupErrs[1:]
		return err
	}
	return nil
}

func (f *fakeIdentity) FinishSignup(ctx context.Context, creds services.Credentials, v services.Verification) (string, error) {
	f.mu.Lock()
	f.finals++
	f.mu.Unlock()

	if f.onFinish != nil {
		f.onFinish()
	}
	if f.finishErr != nil {
		return "", f.finishErr
	}
	if f.token == "" {
		return "primary-token", nil
	}
	return f.token, nil
}

// stallingIdentity blocks finalization until the call's context ends.
type stallingIdentity struct {
	*fakeIdentity
}

func (s *stallingIdentity) FinishSignup(ctx context.Context, creds services.Credentials, v services.Verification) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(10 * time.Second):
		return "late-token", nil
	}
}

func (f *fakeIdentity) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signups, f.finals
}

// fakeInbox delivers verificationMail from sender, or nothing when sender is empty.
type fakeInbox struct {
	sender string
	body   string
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (f *fakeInbox) Messages(ctx context.Context, email string) ([]services.Message, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.sender == "" {
		return []services.Message{{From: "newsletter@example.com", Content: "not it"}}, nil
	}
	body := f.body
	if body == "" {
		body = fmt.Sprintf(verificationMail, email)
	}
	return []services.Message{{From: f.sender, Content: body}}, nil
}

func (f *fakeInbox) LookupURL(email string) string {
	return "https://inbox.example/api/get-emails?email=" + email
}

type fakeSecondary struct {
	failLogin bool
	failOrg   bool
	failKey   bool
	calls     atomic.Int32
}

func (f *fakeSecondary) Authenticate(ctx context.Context, token string) (string, bool) {
	f.calls.Add(1)
	if f.failLogin || token == "" {
		return "", false
	}
	return "session-" + token, true
}

func (f *fakeSecondary) ResolveOrganization(ctx context.Context, session string) (string, string, bool) {
	f.calls.Add(1)
	if f.failOrg {
		return "", "", false
	}
	return "org", "project", true
}

func (f *fakeSecondary) IssueCredential(ctx context.Context, session, org, project string) (string, bool) {
	f.calls.Add(1)
	if f.failKey {
		return "", false
	}
	return "ak.sk", true
}

// memAccounts is an in-memory store with a unique email constraint.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	err      error
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: map[string]*models.Account{}}
}

func (m *memAccounts) SaveOne(ctx context.Context, a *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.accounts[a.Email]; ok {
		return fmt.Errorf("%w: %s", shared.ErrDuplicate, a.Email)
	}
	m.accounts[a.Email] = a
	return nil
}

func (m *memAccounts) Contains(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[id]
	return ok, nil
}

func (m *memAccounts) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

func (m *memAccounts) List(ctx context.Context, opts repositories.ListOptions) ([]*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Account
	for _, a := range m.accounts {
		if opts.MissingKey && a.APIKey != "" {
			continue
		}
		if opts.Status != "" && a.Status != opts.Status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *memAccounts) UpdateCredential(ctx context.Context, email, apiKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[email]
	if !ok {
		return shared.ErrAccountNotFound
	}
	a.APIKey = apiKey
	a.Enrichment = models.EnrichmentComplete
	return nil
}

func (m *memAccounts) UpdateStatus(ctx context.Context, email string, status models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[email]
	if !ok {
		return shared.ErrAccountNotFound
	}
	a.Status = status
	return nil
}

func (m *memAccounts) DeleteByStatus(ctx context.Context, status models.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for email, a := range m.accounts {
		if a.Status == status {
			delete(m.accounts, email)
			n++
		}
	}
	return n, nil
}

func (m *memAccounts) get(email string) *models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[email]
}

// testSettings polls once and times out after a second.
func testSettings() shared.Settings {
	return shared.Settings{
		EmailTimeout:       1,
		EmailCheckInterval: 1,
		RetryTimes:         3,
		Concurrency:        2,
		HTTPTimeout:        5,
		BatchSaveSize:      10,
	}
}

type fixture struct {
	identity  *fakeIdentity
	inbox     *fakeInbox
	secondary *fakeSecondary
	accounts  *memAccounts
}

func newFixture() *fixture {
	return &fixture{
		identity:  &fakeIdentity{},
		inbox:     &fakeInbox{sender: "noreply@Z.AI"},
		secondary: &fakeSecondary{},
		accounts:  newMemAccounts(),
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Identity:   f.identity,
		Inbox:      f.inbox,
		Secondary:  f.secondary,
		Accounts:   f.accounts,
		Dedup:      f.accounts,
		Domains:    []string{"mail.example"},
		Marker:     "z.ai",
		RetryDelay: time.Millisecond,
		Logger:     shared.NewLogger(io.Discard),
	}
}
