// Package store persists users, role grants, sessions and curation data.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/genomewiz/pkg/config"
	"github.com/ethpandaops/genomewiz/pkg/role"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	defaultSVLimit = 200
	maxTxAttempts  = 3
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a unique key.
	ErrDuplicate = errors.New("duplicate key")
)

// Store provides persistence for API resources.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Transaction runs fn against a transactional Store. Returning an error
	// from fn rolls everything back. Nested calls use savepoints.
	Transaction(ctx context.Context, fn func(tx Store) error, opts ...TxOption) error

	// Users.
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByProviderSubject(ctx context.Context, subject string) (*User, error)
	CountUsers(ctx context.Context) (int64, error)
	ListUsers(ctx context.Context) ([]User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	FindOrCreateUser(ctx context.Context, sel UserSelector) (*User, bool, error)

	// Role grants.
	GrantRole(ctx context.Context, userID string, r role.Role) (bool, error)
	RolesOf(ctx context.Context, userID string) (role.Set, error)

	// Sessions.
	CreateSession(ctx context.Context, session *Session) error
	GetSessionByTokenHash(ctx context.Context, hash string) (*Session, error)
	UpdateSessionLastActive(ctx context.Context, id uint, t time.Time) error
	DeleteSessionByTokenHash(ctx context.Context, hash string) error
	DeleteExpiredSessions(ctx context.Context) error

	// Curation.
	CreateSV(ctx context.Context, sv *SVCandidate) error
	GetSV(ctx context.Context, id string) (*SVCandidate, error)
	ListSVs(ctx context.Context, filter SVFilter) ([]SVCandidate, error)
	CreateLabel(ctx context.Context, label *Label) error
	ListLabels(ctx context.Context, svID string) ([]Label, error)
	UpsertConsensus(ctx context.Context, c *Consensus) error
	GetConsensus(ctx context.Context, svID string) (*Consensus, error)
}

// TxOption configures a transaction.
type TxOption func(*txOptions)

type txOptions struct {
	serializable bool
}

// Serializable requests serializable isolation where the driver supports
// choosing it. SQLite transactions are always serialized.
func Serializable() TxOption {
	return func(o *txOptions) {
		o.serializable = true
	}
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log  logrus.FieldLogger
	cfg  *config.DatabaseConfig
	db   *gorm.DB
	inTx bool
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password.Value(),
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection serializes writers and keeps ":memory:"
		// databases from splitting across pooled connections.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&User{},
		&RoleGrant{},
		&Session{},
		&SVCandidate{},
		&Label{},
		&Consensus{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) Transaction(
	ctx context.Context,
	fn func(tx Store) error,
	opts ...TxOption,
) error {
	var o txOptions
	for _, opt := range opts {
		opt(&o)
	}

	var sqlOpts []*sql.TxOptions
	if o.serializable && s.cfg.Driver == "postgres" {
		sqlOpts = append(sqlOpts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}

	run := func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&store{log: s.log, cfg: s.cfg, db: tx, inTx: true})
		}, sqlOpts...)
	}

	if s.inTx {
		return run()
	}

	var err error

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = run()
		if !isSerializationFailure(err) {
			return err
		}

		s.log.WithField("attempt", attempt).
			Debug("Retrying transaction after serialization failure")
	}

	return err
}

// --- Users ---

func (s *store) GetUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&user).Error; err != nil {
		return nil, fmt.Errorf("getting user by id: %w", notFound(err))
	}

	return &user, nil
}

func (s *store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("email = ?", email).
		First(&user).Error; err != nil {
		return nil, fmt.Errorf("getting user by email: %w", notFound(err))
	}

	return &user, nil
}

func (s *store) GetUserByProviderSubject(
	ctx context.Context, subject string,
) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("provider_subject = ?", subject).
		First(&user).Error; err != nil {
		return nil, fmt.Errorf("getting user by provider subject: %w", notFound(err))
	}

	return &user, nil
}

func (s *store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&User{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}

	return n, nil
}

func (s *store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).
		Preload("Roles", func(db *gorm.DB) *gorm.DB { return db.Order("role ASC") }).
		Order("created_at ASC, id ASC").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return users, nil
}

// CreateUser inserts user under a savepoint so that a unique-key conflict
// leaves an enclosing transaction usable. Conflicts return ErrDuplicate.
func (s *store) CreateUser(ctx context.Context, user *User) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Omit("Roles").Create(user).Error
	})
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("creating user %q: %w", user.Email, ErrDuplicate)
		}

		return fmt.Errorf("creating user: %w", err)
	}

	return nil
}

func (s *store) UpdateUser(ctx context.Context, user *User) error {
	if err := s.db.WithContext(ctx).Omit("Roles").Save(user).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("updating user %q: %w", user.ID, ErrDuplicate)
		}

		return fmt.Errorf("updating user: %w", err)
	}

	return nil
}

// FindOrCreateUser looks the user up by provider subject (as subject, then
// as id), then by email,
// and creates it when neither matches. The boolean reports creation.
// Users without a provider subject get an id in the "local:" namespace.
func (s *store) FindOrCreateUser(
	ctx context.Context, sel UserSelector,
) (*User, bool, error) {
	user, err := s.lookupUser(ctx, sel)
	if err == nil {
		if sel.ProviderSubject != "" && user.ProviderSubject == nil {
			sub := sel.ProviderSubject
			user.ProviderSubject = &sub

			if err := s.UpdateUser(ctx, user); err != nil {
				return nil, false, err
			}
		}

		return user, false, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if sel.Email == "" {
		return nil, false, fmt.Errorf("creating user: email is required")
	}

	user = &User{
		ID:    newLocalUserID(),
		Name:  sel.Name,
		Email: sel.Email,
	}

	if sel.ProviderSubject != "" {
		sub := sel.ProviderSubject
		user.ID = sub
		user.ProviderSubject = &sub
	}

	if user.Name == "" {
		user.Name = EmailLocalPart(sel.Email)
	}

	if err := s.CreateUser(ctx, user); err != nil {
		if !errors.Is(err, ErrDuplicate) {
			return nil, false, err
		}

		// Lost a race with a concurrent insert; use the winner's row.
		existing, lookupErr := s.lookupUser(ctx, sel)
		if lookupErr != nil {
			return nil, false, fmt.Errorf("re-reading user after conflict: %w", lookupErr)
		}

		return existing, false, nil
	}

	return user, true, nil
}

func (s *store) lookupUser(ctx context.Context, sel UserSelector) (*User, error) {
	if sel.ProviderSubject != "" {
		user, err := s.GetUserByProviderSubject(ctx, sel.ProviderSubject)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return user, err
		}

		// Users created from a credential carry the subject as their id
		// but have no provider subject linked yet.
		user, err = s.GetUserByID(ctx, sel.ProviderSubject)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return user, err
		}
	}

	if sel.Email != "" {
		return s.GetUserByEmail(ctx, sel.Email)
	}

	return nil, fmt.Errorf("looking up user: %w", ErrNotFound)
}

// --- Role grants ---

// GrantRole records r for the user. It returns false without writing when
// the grant already exists.
func (s *store) GrantRole(
	ctx context.Context, userID string, r role.Role,
) (bool, error) {
	if !r.Valid() {
		return false, fmt.Errorf("granting role: %w %q", role.ErrUnknownRole, string(r))
	}

	grant := RoleGrant{UserID: userID, Role: string(r)}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&grant)
	if result.Error != nil {
		return false, fmt.Errorf("granting role %q: %w", r, result.Error)
	}

	granted := result.RowsAffected > 0
	if granted {
		s.log.WithField("user", userID).
			WithField("role", r).
			Info("Role granted")
	}

	return granted, nil
}

func (s *store) RolesOf(ctx context.Context, userID string) (role.Set, error) {
	var names []string
	if err := s.db.WithContext(ctx).
		Model(&RoleGrant{}).
		Where("user_id = ?", userID).
		Pluck("role", &names).Error; err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}

	roles := role.NewSet()

	for _, name := range names {
		r, err := role.Parse(name)
		if err != nil {
			s.log.WithField("user", userID).
				WithField("role", name).
				Warn("Ignoring unknown stored role")

			continue
		}

		roles.Add(r)
	}

	return roles, nil
}

// --- Sessions ---

func (s *store) CreateSession(ctx context.Context, session *Session) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

func (s *store) GetSessionByTokenHash(
	ctx context.Context, hash string,
) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).
		Where("token_hash = ?", hash).
		First(&session).Error; err != nil {
		return nil, fmt.Errorf("getting session: %w", notFound(err))
	}

	return &session, nil
}

func (s *store) UpdateSessionLastActive(
	ctx context.Context, id uint, t time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("last_active_at", t).Error; err != nil {
		return fmt.Errorf("updating session last active: %w", err)
	}

	return nil
}

func (s *store) DeleteSessionByTokenHash(ctx context.Context, hash string) error {
	if err := s.db.WithContext(ctx).
		Where("token_hash = ?", hash).
		Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

func (s *store) DeleteExpiredSessions(ctx context.Context) error {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&Session{})
	if result.Error != nil {
		return fmt.Errorf("deleting expired sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Cleaned up expired sessions")
	}

	return nil
}

// --- Curation ---

func (s *store) CreateSV(ctx context.Context, sv *SVCandidate) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(sv).Error
	})
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("creating sv %q: %w", sv.ID, ErrDuplicate)
		}

		return fmt.Errorf("creating sv: %w", err)
	}

	return nil
}

func (s *store) GetSV(ctx context.Context, id string) (*SVCandidate, error) {
	var sv SVCandidate
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&sv).Error; err != nil {
		return nil, fmt.Errorf("getting sv: %w", notFound(err))
	}

	return &sv, nil
}

func (s *store) ListSVs(ctx context.Context, filter SVFilter) ([]SVCandidate, error) {
	limit := filter.Limit
	if limit <= 0 || limit > defaultSVLimit {
		limit = defaultSVLimit
	}

	q := s.db.WithContext(ctx).Model(&SVCandidate{})

	if filter.SampleID != "" {
		q = q.Where("sample_id = ?", filter.SampleID)
	}

	if filter.SVType != "" {
		q = q.Where("svtype = ?", filter.SVType)
	}

	var svs []SVCandidate
	if err := q.Order("id ASC").Limit(limit).Find(&svs).Error; err != nil {
		return nil, fmt.Errorf("listing svs: %w", err)
	}

	return svs, nil
}

func (s *store) CreateLabel(ctx context.Context, label *Label) error {
	if err := s.db.WithContext(ctx).Create(label).Error; err != nil {
		return fmt.Errorf("creating label: %w", err)
	}

	return nil
}

func (s *store) ListLabels(ctx context.Context, svID string) ([]Label, error) {
	var labels []Label
	if err := s.db.WithContext(ctx).
		Where("sv_id = ?", svID).
		Order("created_at ASC, id ASC").
		Find(&labels).Error; err != nil {
		return nil, fmt.Errorf("listing labels: %w", err)
	}

	return labels, nil
}

func (s *store) UpsertConsensus(ctx context.Context, c *Consensus) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sv_id"}},
			UpdateAll: true,
		}).
		Create(c).Error; err != nil {
		return fmt.Errorf("upserting consensus: %w", err)
	}

	return nil
}

func (s *store) GetConsensus(ctx context.Context, svID string) (*Consensus, error) {
	var c Consensus
	if err := s.db.WithContext(ctx).
		Where("sv_id = ?", svID).
		First(&c).Error; err != nil {
		return nil, fmt.Errorf("getting consensus: %w", notFound(err))
	}

	return &c, nil
}

// --- Helpers ---

// EmailLocalPart returns the part of an email address before the "@".
func EmailLocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")

	return local
}

func newLocalUserID() string {
	return "local:" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
