// Package members is the member backend behind the assistant's tools:
// profiles, addresses, legal representatives, WhatsApp community groups,
// password resets and feedback.
package members

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/copilot"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/database"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")

// Config tunes the member backend.
type Config struct {
	// EmailDomain is used for generated membership email addresses.
	EmailDomain string `yaml:"email_domain"`

	// PasswordResetTTL is how long a reset token stays valid.
	PasswordResetTTL time.Duration `yaml:"password_reset_ttl"`
}

// DefaultConfig returns the backend defaults.
func DefaultConfig() Config {
	return Config{
		EmailDomain:      "members.example.org",
		PasswordResetTTL: time.Hour,
	}
}

// Member is a member record.
type Member struct {
	ID              string `json:"member_id"`
	UserKey         string `json:"phone"`
	FullName        string `json:"full_name"`
	BirthDate       string `json:"birth_date"`
	MembershipEmail string `json:"membership_email,omitempty"`
	ExpirationDate  string `json:"expiration_date"`
}

// Address is a postal address of a member.
type Address struct {
	ID         string `json:"address_id"`
	Label      string `json:"label"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// LegalRepresentative is a person authorized to act for a member.
type LegalRepresentative struct {
	ID           string `json:"representative_id"`
	FullName     string `json:"full_name"`
	Relationship string `json:"relationship"`
	DocumentID   string `json:"document_id"`
}

// Group is a WhatsApp community group members can join.
type Group struct {
	ID          string `json:"group_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	InviteLink  string `json:"-"`
	Joined      bool   `json:"joined"`
}

// Store implements the member backend over database/sql.
type Store struct {
	db     *database.DB
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a store. Run Migrate before first use.
func NewStore(db *database.DB, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.EmailDomain == "" {
		cfg.EmailDomain = d.EmailDomain
	}
	if cfg.PasswordResetTTL <= 0 {
		cfg.PasswordResetTTL = d.PasswordResetTTL
	}
	return &Store{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "members"),
		now:    time.Now,
	}
}

// Migrate brings the schema up to date.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	return database.NewMigrator(s.db, Migrations).Up(ctx)
}

// LookupByUserKey returns the member context for a phone number, or nil
// when the number is not linked to a member.
func (s *Store) LookupByUserKey(ctx context.Context, userKey string) (*copilot.MemberProfile, error) {
	m, err := s.memberByUserKey(ctx, userKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &copilot.MemberProfile{
		MemberID:        m.ID,
		FullName:        m.FullName,
		BirthDate:       m.BirthDate,
		MembershipEmail: m.MembershipEmail,
		ExpirationDate:  m.ExpirationDate,
	}, nil
}

func (s *Store) memberByUserKey(ctx context.Context, userKey string) (*Member, error) {
	return s.scanMember(s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id, user_key, full_name, birth_date, membership_email, expiration_date
		 FROM members WHERE user_key = ?`), userKey))
}

// Member returns a member by id.
func (s *Store) Member(ctx context.Context, memberID string) (*Member, error) {
	return s.scanMember(s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id, user_key, full_name, birth_date, membership_email, expiration_date
		 FROM members WHERE id = ?`), memberID))
}

func (s *Store) scanMember(row *sql.Row) (*Member, error) {
	var m Member
	var email sql.NullString
	err := row.Scan(&m.ID, &m.UserKey, &m.FullName, &m.BirthDate, &email, &m.ExpirationDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query member: %w", err)
	}
	m.MembershipEmail = email.String
	return &m, nil
}

// UpsertMember inserts or replaces a member record.
func (s *Store) UpsertMember(ctx context.Context, m Member) error {
	if m.ID == "" || m.UserKey == "" {
		return fmt.Errorf("member id and phone are required")
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO members (id, user_key, full_name, birth_date, membership_email, expiration_date)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   user_key = excluded.user_key,
		   full_name = excluded.full_name,
		   birth_date = excluded.birth_date,
		   membership_email = excluded.membership_email,
		   expiration_date = excluded.expiration_date`),
		m.ID, m.UserKey, m.FullName, m.BirthDate, nullString(m.MembershipEmail), m.ExpirationDate)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

// CreateMembershipEmail assigns an address in the configured domain. A
// member can only have one; an empty localPart derives it from the name.
func (s *Store) CreateMembershipEmail(ctx context.Context, memberID, localPart string) (string, error) {
	m, err := s.Member(ctx, memberID)
	if err != nil {
		return "", err
	}
	if m.MembershipEmail != "" {
		return "", fmt.Errorf("member already has membership email %s", m.MembershipEmail)
	}

	if localPart == "" {
		localPart = strings.Join(strings.Fields(strings.ToLower(m.FullName)), ".")
	}
	localPart = sanitizeLocalPart(localPart)
	if localPart == "" {
		return "", fmt.Errorf("cannot derive an email address from %q", m.FullName)
	}
	email := localPart + "@" + s.cfg.EmailDomain

	var taken int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT COUNT(*) FROM members WHERE membership_email = ?`), email).Scan(&taken); err != nil {
		return "", fmt.Errorf("check email: %w", err)
	}
	if taken > 0 {
		return "", fmt.Errorf("email address %s is already in use", email)
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE members SET membership_email = ? WHERE id = ?`), email, memberID); err != nil {
		return "", fmt.Errorf("update membership email: %w", err)
	}
	s.logger.Info("membership email created", "member_id", memberID)
	return email, nil
}

// RequestPasswordReset records a reset token for the member's membership
// email account and returns its expiry.
func (s *Store) RequestPasswordReset(ctx context.Context, memberID string) (string, time.Time, error) {
	m, err := s.Member(ctx, memberID)
	if err != nil {
		return "", time.Time{}, err
	}
	if m.MembershipEmail == "" {
		return "", time.Time{}, fmt.Errorf("member has no membership email account")
	}

	now := s.now().UTC()
	expires := now.Add(s.cfg.PasswordResetTTL)
	token := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO password_resets (token, member_id, created_at, expires_at) VALUES (?, ?, ?, ?)`),
		token, memberID, now, expires); err != nil {
		return "", time.Time{}, fmt.Errorf("insert password reset: %w", err)
	}
	s.logger.Info("password reset requested", "member_id", memberID)
	return m.MembershipEmail, expires, nil
}

// PurgeExpiredPasswordResets deletes reset tokens past their expiry.
func (s *Store) PurgeExpiredPasswordResets(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM password_resets WHERE expires_at < ?`), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge password resets: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("expired password resets purged", "count", n)
	}
	return n, nil
}

// Addresses lists a member's addresses.
func (s *Store) Addresses(ctx context.Context, memberID string) ([]Address, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT id, label, street, city, state, postal_code, country
		 FROM addresses WHERE member_id = ? ORDER BY label, id`), memberID)
	if err != nil {
		return nil, fmt.Errorf("query addresses: %w", err)
	}
	defer rows.Close()

	out := []Address{}
	for rows.Next() {
		var a Address
		if err := rows.Scan(&a.ID, &a.Label, &a.Street, &a.City, &a.State, &a.PostalCode, &a.Country); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAddress updates the address with a.ID, or inserts a new one when
// a.ID is empty. It returns the saved address.
func (s *Store) SaveAddress(ctx context.Context, memberID string, a Address) (Address, error) {
	now := s.now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
		if a.Label == "" {
			a.Label = "home"
		}
		_, err := s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO addresses (id, member_id, label, street, city, state, postal_code, country, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.ID, memberID, a.Label, a.Street, a.City, a.State, a.PostalCode, a.Country, now)
		if err != nil {
			return Address{}, fmt.Errorf("insert address: %w", err)
		}
		return a, nil
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE addresses SET
		   label = COALESCE(NULLIF(?, ''), label),
		   street = COALESCE(NULLIF(?, ''), street),
		   city = COALESCE(NULLIF(?, ''), city),
		   state = COALESCE(NULLIF(?, ''), state),
		   postal_code = COALESCE(NULLIF(?, ''), postal_code),
		   country = COALESCE(NULLIF(?, ''), country),
		   updated_at = ?
		 WHERE id = ? AND member_id = ?`),
		a.Label, a.Street, a.City, a.State, a.PostalCode, a.Country, now, a.ID, memberID)
	if err != nil {
		return Address{}, fmt.Errorf("update address: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Address{}, fmt.Errorf("address %s: %w", a.ID, ErrNotFound)
	}

	var saved Address
	err = s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id, label, street, city, state, postal_code, country FROM addresses WHERE id = ?`), a.ID).
		Scan(&saved.ID, &saved.Label, &saved.Street, &saved.City, &saved.State, &saved.PostalCode, &saved.Country)
	if err != nil {
		return Address{}, fmt.Errorf("reload address: %w", err)
	}
	return saved, nil
}

// LegalRepresentatives lists a member's representatives.
func (s *Store) LegalRepresentatives(ctx context.Context, memberID string) ([]LegalRepresentative, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT id, full_name, relationship, document_id
		 FROM legal_representatives WHERE member_id = ? ORDER BY created_at, id`), memberID)
	if err != nil {
		return nil, fmt.Errorf("query representatives: %w", err)
	}
	defer rows.Close()

	out := []LegalRepresentative{}
	for rows.Next() {
		var r LegalRepresentative
		if err := rows.Scan(&r.ID, &r.FullName, &r.Relationship, &r.DocumentID); err != nil {
			return nil, fmt.Errorf("scan representative: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddLegalRepresentative stores a new representative.
func (s *Store) AddLegalRepresentative(ctx context.Context, memberID string, r LegalRepresentative) (LegalRepresentative, error) {
	r.ID = uuid.NewString()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO legal_representatives (id, member_id, full_name, relationship, document_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		r.ID, memberID, r.FullName, r.Relationship, r.DocumentID, s.now().UTC())
	if err != nil {
		return LegalRepresentative{}, fmt.Errorf("insert representative: %w", err)
	}
	return r, nil
}

// RemoveLegalRepresentative deletes a representative of the member.
func (s *Store) RemoveLegalRepresentative(ctx context.Context, memberID, representativeID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM legal_representatives WHERE id = ? AND member_id = ?`), representativeID, memberID)
	if err != nil {
		return fmt.Errorf("delete representative: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("representative %s: %w", representativeID, ErrNotFound)
	}
	return nil
}

// AddGroup creates or updates a community group.
func (s *Store) AddGroup(ctx context.Context, g Group) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO whatsapp_groups (id, name, description, invite_link) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, description = excluded.description, invite_link = excluded.invite_link`),
		g.ID, g.Name, g.Description, g.InviteLink)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// Groups lists all community groups, flagging those the member joined.
func (s *Store) Groups(ctx context.Context, memberID string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT g.id, g.name, g.description, g.invite_link,
		        CASE WHEN gm.member_id IS NULL THEN 0 ELSE 1 END
		 FROM whatsapp_groups g
		 LEFT JOIN group_memberships gm ON gm.group_id = g.id AND gm.member_id = ?
		 ORDER BY g.name`), memberID)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	out := []Group{}
	for rows.Next() {
		var g Group
		var joined int
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.InviteLink, &joined); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.Joined = joined == 1
		out = append(out, g)
	}
	return out, rows.Err()
}

// JoinGroup records the membership and returns the group's invite link.
// Joining twice is not an error.
func (s *Store) JoinGroup(ctx context.Context, memberID, groupID string) (string, error) {
	var link string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT invite_link FROM whatsapp_groups WHERE id = ?`), groupID).Scan(&link)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query group: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO group_memberships (group_id, member_id, joined_at) VALUES (?, ?, ?)
		 ON CONFLICT (group_id, member_id) DO NOTHING`),
		groupID, memberID, s.now().UTC()); err != nil {
		return "", fmt.Errorf("insert membership: %w", err)
	}
	return link, nil
}

// SubmitFeedback stores a rating (1-5) with an optional comment.
func (s *Store) SubmitFeedback(ctx context.Context, userKey, memberID string, rating int, comment string) (string, error) {
	if rating < 1 || rating > 5 {
		return "", fmt.Errorf("rating must be between 1 and 5, got %d", rating)
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO feedback (id, user_key, member_id, rating, comment, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		id, userKey, nullString(memberID), rating, comment, s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert feedback: %w", err)
	}
	return id, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func sanitizeLocalPart(s string) string {
	return strings.Trim(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return -1
	}, s), ".-_")
}
