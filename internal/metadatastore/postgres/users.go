package postgres

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// userRow is the GORM model backing the users table. Unlike files, tuples,
// and content_refs — which need hand-written SQL for row locks and
// composite keys — the users table is a plain CRUD resource, so it uses
// GORM the way the teacher's simpler read-model tables do.
type userRow struct {
	ID          string `gorm:"primaryKey"`
	TenantID    string `gorm:"index"`
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

func (userRow) TableName() string { return "users" }

// UserStore is the GORM-backed human-user directory: it exists so API
// keys minted by nexusctl admin_create_key have a display name and email
// to attach to, independent of the ReBAC subject identity used for checks.
type UserStore struct {
	db *gorm.DB
}

// OpenUserStore opens its own *gorm.DB against dsn, sharing the same
// Postgres instance as the pgx-backed Store but kept on a separate
// connection pool per GORM's usual deployment shape.
func OpenUserStore(dsn string) (*UserStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "open gorm connection")
	}
	if err := db.AutoMigrate(&userRow{}); err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "migrate users table")
	}
	return &UserStore{db: db}, nil
}

// User is the directory-facing view of a userRow.
type User struct {
	ID          string
	TenantID    string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

func (s *UserStore) CreateUser(ctx context.Context, u User) error {
	row := userRow{ID: u.ID, TenantID: u.TenantID, DisplayName: u.DisplayName, Email: u.Email, CreatedAt: u.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "create user")
	}
	return nil
}

func (s *UserStore) GetUser(ctx context.Context, tenantID, id string) (User, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return User{}, nexuserrors.New(nexuserrors.NotFound, "user not found")
		}
		return User{}, nexuserrors.Wrap(nexuserrors.Unavailable, err, "get user")
	}
	return User{ID: row.ID, TenantID: row.TenantID, DisplayName: row.DisplayName, Email: row.Email, CreatedAt: row.CreatedAt}, nil
}

func (s *UserStore) ListUsers(ctx context.Context, tenantID string) ([]User, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Find(&rows).Error; err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "list users")
	}
	out := make([]User, 0, len(rows))
	for _, r := range rows {
		out = append(out, User{ID: r.ID, TenantID: r.TenantID, DisplayName: r.DisplayName, Email: r.Email, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

func (s *UserStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.Internal, err, "get sql.DB from gorm")
	}
	return sqlDB.Close()
}
