// session.go implementa o registro de sessões por usuário: thread atual,
// contador de mensagens e o histórico de criação de threads usado na cota
// diária.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/assistant"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultPerThreadMessageLimit é o número de mensagens antes da rotação de thread.
	DefaultPerThreadMessageLimit = 15

	// DefaultDailyThreadLimit é o máximo de threads criadas por usuário em 24h.
	DefaultDailyThreadLimit = 5

	// DefaultMaxMessageChars é o tamanho máximo de uma mensagem do usuário.
	DefaultMaxMessageChars = 150

	// DefaultQuotaWindow é a janela móvel da cota diária.
	DefaultQuotaWindow = 24 * time.Hour
)

// SessionConfig configura as cotas do registro.
type SessionConfig struct {
	PerThreadMessageLimit int           `yaml:"per_thread_message_limit"`
	DailyThreadLimit      int           `yaml:"daily_thread_limit"`
	MaxMessageChars       int           `yaml:"max_message_chars"`
	QuotaWindow           time.Duration `yaml:"quota_window"`
}

// DefaultSessionConfig retorna as cotas padrão.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PerThreadMessageLimit: DefaultPerThreadMessageLimit,
		DailyThreadLimit:      DefaultDailyThreadLimit,
		MaxMessageChars:       DefaultMaxMessageChars,
		QuotaWindow:           DefaultQuotaWindow,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.PerThreadMessageLimit <= 0 {
		c.PerThreadMessageLimit = d.PerThreadMessageLimit
	}
	if c.DailyThreadLimit <= 0 {
		c.DailyThreadLimit = d.DailyThreadLimit
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = d.MaxMessageChars
	}
	if c.QuotaWindow <= 0 {
		c.QuotaWindow = d.QuotaWindow
	}
	return c
}

// Session é uma cópia do estado de um usuário.
type Session struct {
	UserKey         string      `json:"user_key"`
	ThreadID        string      `json:"thread_id,omitempty"`
	MessageCount    int         `json:"message_count"`
	ThreadCreations []time.Time `json:"thread_creations"`
}

// MemberProfile is the context a new thread is seeded with.
type MemberProfile struct {
	MemberID        string
	FullName        string
	BirthDate       string
	MembershipEmail string
	ExpirationDate  string
}

// MemberLookup resolves a user key to a member profile. A nil profile with
// a nil error means the user key is unknown.
type MemberLookup interface {
	LookupByUserKey(ctx context.Context, userKey string) (*MemberProfile, error)
}

// ThreadClient is the part of the assistant API the registry needs.
type ThreadClient interface {
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID string, role assistant.Role, text string) error
}

// SessionRegistry guarda o estado por usuário. O mutex protege apenas o
// mapa em memória; chamadas de rede acontecem sem lock.
type SessionRegistry struct {
	cfg      SessionConfig
	client   ThreadClient
	lookup   MemberLookup
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	sessions map[string]*Session
	creating singleflight.Group
	mu       sync.Mutex
}

// NewSessionRegistry cria um registro vazio. lookup pode ser nil.
func NewSessionRegistry(cfg SessionConfig, client ThreadClient, lookup MemberLookup, logger *slog.Logger) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{
		cfg:      cfg.withDefaults(),
		client:   client,
		lookup:   lookup,
		logger:   logger.With("component", "sessions"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// SetMetrics anexa os coletores Prometheus.
func (r *SessionRegistry) SetMetrics(m *Metrics) { r.metrics = m }

// Config retorna as cotas efetivas.
func (r *SessionRegistry) Config() SessionConfig { return r.cfg }

// ValidateMessage checks the per-message length limit without touching state.
func (r *SessionRegistry) ValidateMessage(message string) error {
	if n := utf8.RuneCountInString(message); n > r.cfg.MaxMessageChars {
		return fmt.Errorf("%w: %d characters, limit is %d", ErrMessageTooLong, n, r.cfg.MaxMessageChars)
	}
	return nil
}

// GetOrCreateThread returns the user's current thread, or creates and seeds
// a new one when there is none or the current one reached its message
// limit. Concurrent callers for the same user share a single creation.
func (r *SessionRegistry) GetOrCreateThread(ctx context.Context, userKey string) (string, error) {
	if threadID, ok := r.usableThread(userKey); ok {
		return threadID, nil
	}

	v, err, _ := r.creating.Do(userKey, func() (any, error) {
		return r.createThread(ctx, userKey)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *SessionRegistry) usableThread(userKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userKey]
	if !ok || s.ThreadID == "" || s.MessageCount >= r.cfg.PerThreadMessageLimit {
		return "", false
	}
	return s.ThreadID, true
}

func (r *SessionRegistry) createThread(ctx context.Context, userKey string) (string, error) {
	// Double-check: outra chamada pode ter criado a thread enquanto
	// esperávamos o singleflight.
	r.mu.Lock()
	s := r.sessionLocked(userKey)
	if s.ThreadID != "" && s.MessageCount < r.cfg.PerThreadMessageLimit {
		threadID := s.ThreadID
		r.mu.Unlock()
		return threadID, nil
	}
	now := r.now()
	s.ThreadCreations = pruneCreations(s.ThreadCreations, now.Add(-r.cfg.QuotaWindow))
	if len(s.ThreadCreations) >= r.cfg.DailyThreadLimit {
		oldest := s.ThreadCreations[0]
		r.mu.Unlock()
		r.logger.Info("daily thread limit reached",
			"user", userKey,
			"limit", r.cfg.DailyThreadLimit,
			"retry_at", oldest.Add(r.cfg.QuotaWindow))
		return "", ErrRateLimitExceeded
	}
	r.mu.Unlock()

	seed := r.memberContext(ctx, userKey)

	threadID, err := r.client.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	if err := r.client.AppendMessage(ctx, threadID, assistant.RoleUser, seed); err != nil {
		return "", fmt.Errorf("seeding thread %s: %w", threadID, err)
	}

	r.mu.Lock()
	s = r.sessionLocked(userKey)
	s.ThreadID = threadID
	s.MessageCount = 0
	s.ThreadCreations = append(s.ThreadCreations, now)
	created := len(s.ThreadCreations)
	r.mu.Unlock()

	r.metrics.observeThreadCreated()
	r.logger.Info("thread created",
		"user", userKey,
		"thread_id", threadID,
		"created_in_window", created)
	return threadID, nil
}

// memberContext builds the seed message. Lookup failures degrade to the
// unknown-member context instead of failing the turn.
func (r *SessionRegistry) memberContext(ctx context.Context, userKey string) string {
	if r.lookup == nil {
		return unknownMemberContext(userKey)
	}
	profile, err := r.lookup.LookupByUserKey(ctx, userKey)
	if err != nil {
		r.logger.Warn("member lookup failed", "user", userKey, "error", err)
		return unknownMemberContext(userKey)
	}
	if profile == nil {
		return unknownMemberContext(userKey)
	}
	return profileContext(profile)
}

func profileContext(p *MemberProfile) string {
	var b strings.Builder
	b.WriteString("Member context for this conversation:\n")
	fmt.Fprintf(&b, "- Name: %s\n", p.FullName)
	fmt.Fprintf(&b, "- Member ID: %s\n", p.MemberID)
	fmt.Fprintf(&b, "- Birth date: %s\n", p.BirthDate)
	fmt.Fprintf(&b, "- Membership email: %s\n", p.MembershipEmail)
	fmt.Fprintf(&b, "- Membership expires: %s", p.ExpirationDate)
	return b.String()
}

func unknownMemberContext(userKey string) string {
	return fmt.Sprintf("Member context for this conversation: user not found. "+
		"The phone number %s is not linked to any member record.", userKey)
}

// RecordTurn valida a mensagem e incrementa o contador da thread. Se a
// sessão já aponta para outra thread (reset concorrente), nada muda.
func (r *SessionRegistry) RecordTurn(userKey, threadID, message string) error {
	if err := r.ValidateMessage(message); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userKey]
	if !ok || s.ThreadID != threadID {
		return nil
	}
	if s.MessageCount < r.cfg.PerThreadMessageLimit {
		s.MessageCount++
	}
	return nil
}

// Reset descarta a thread atual sem afetar a cota diária. Retorna true se
// havia uma thread.
func (r *SessionRegistry) Reset(userKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userKey]
	if !ok {
		return false
	}
	had := s.ThreadID != ""
	s.ThreadID = ""
	s.MessageCount = 0
	return had
}

// Snapshot retorna uma cópia da sessão do usuário.
func (r *SessionRegistry) Snapshot(userKey string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userKey]
	if !ok {
		return Session{}, false
	}
	return copySession(s), true
}

// List retorna cópias de todas as sessões, ordenadas por usuário.
func (r *SessionRegistry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, copySession(s))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserKey < out[j].UserKey })
	return out
}

// Count retorna o número de sessões.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Prune remove criações fora da janela e apaga sessões sem thread e sem
// histórico de criação. Retorna quantas sessões foram removidas.
func (r *SessionRegistry) Prune() int {
	cutoff := r.now().Add(-r.cfg.QuotaWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for key, s := range r.sessions {
		s.ThreadCreations = pruneCreations(s.ThreadCreations, cutoff)
		if s.ThreadID == "" && len(s.ThreadCreations) == 0 {
			delete(r.sessions, key)
			pruned++
		}
	}

	if pruned > 0 {
		r.logger.Info("idle sessions removed", "pruned", pruned, "remaining", len(r.sessions))
	}
	return pruned
}

// sessionLocked retorna ou cria a sessão; exige r.mu.
func (r *SessionRegistry) sessionLocked(userKey string) *Session {
	s, ok := r.sessions[userKey]
	if !ok {
		s = &Session{UserKey: userKey}
		r.sessions[userKey] = s
	}
	return s
}

// pruneCreations drops timestamps at or before cutoff. Timestamps are kept
// in insertion order, so the slice stays sorted.
func pruneCreations(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

func copySession(s *Session) Session {
	c := *s
	c.ThreadCreations = append([]time.Time(nil), s.ThreadCreations...)
	return c
}
