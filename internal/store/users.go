package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/dkeye/Ring/internal/domain"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

// User is the account row. PasswordHash never leaves this package's callers
// except through auth; the public projection is ToDomain.
type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Name         string `gorm:"size:64;not null"`
	Email        string `gorm:"size:255;uniqueIndex;not null"`
	PasswordHash string `gorm:"not null" json:"-"`
	IsOnline     bool   `gorm:"index;not null;default:false"`
	LastSeen     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) ToDomain() domain.User {
	return domain.User{
		ID:       domain.UserID(u.ID),
		Name:     u.Name,
		Email:    u.Email,
		IsOnline: u.IsOnline,
		LastSeen: u.LastSeen,
	}
}

// Users implements the presence status store and directory on top of gorm.
type Users struct {
	db *gorm.DB
}

func NewUsers(db *gorm.DB) *Users {
	return &Users{db: db}
}

func (s *Users) Create(ctx context.Context, name, email, passwordHash string) (User, error) {
	du, err := domain.NewUser(name, email)
	if err != nil {
		return User{}, err
	}
	if _, err := s.FindByEmail(ctx, du.Email); err == nil {
		return User{}, ErrEmailTaken
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	u := User{
		ID:           string(du.ID),
		Name:         du.Name,
		Email:        du.Email,
		PasswordHash: passwordHash,
	}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Users) FindByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.db.WithContext(ctx).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&u).Error
	return u, notFound(err)
}

func (s *Users) FindByID(ctx context.Context, id domain.UserID) (User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&u).Error
	return u, notFound(err)
}

// List returns every account ordered by name, presence fields included.
func (s *Users) List(ctx context.Context) ([]domain.User, error) {
	var rows []User
	if err := s.db.WithContext(ctx).Order("name, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return lo.Map(rows, func(u User, _ int) domain.User { return u.ToDomain() }), nil
}

// Profiles resolves ids to public profiles. Unknown ids are skipped.
func (s *Users) Profiles(ctx context.Context, ids []domain.UserID) ([]domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []User
	keys := lo.Map(ids, func(id domain.UserID, _ int) string { return string(id) })
	if err := s.db.WithContext(ctx).Where("id IN ?", keys).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}
	return lo.Map(rows, func(u User, _ int) domain.User { return u.ToDomain() }), nil
}

func (s *Users) MarkOnline(ctx context.Context, id domain.UserID, _ time.Time) error {
	return s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", string(id)).
		Update("is_online", true).Error
}

func (s *Users) MarkOffline(ctx context.Context, id domain.UserID, lastSeen time.Time) error {
	return s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", string(id)).
		Updates(map[string]any{"is_online": false, "last_seen": lastSeen}).Error
}

// OnlineIDs lists users flagged online in the store.
func (s *Users) OnlineIDs(ctx context.Context) ([]domain.UserID, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&User{}).Where("is_online = ?", true).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("online ids: %w", err)
	}
	return lo.Map(ids, func(id string, _ int) domain.UserID { return domain.UserID(id) }), nil
}

// ReconcileOffline flags offline every user marked online in the store but
// absent from live. It returns the number of rows changed.
func (s *Users) ReconcileOffline(ctx context.Context, live []domain.UserID, at time.Time) (int64, error) {
	q := s.db.WithContext(ctx).Model(&User{}).Where("is_online = ?", true)
	if len(live) > 0 {
		keys := lo.Map(live, func(id domain.UserID, _ int) string { return string(id) })
		q = q.Where("id NOT IN ?", keys)
	}
	res := q.Updates(map[string]any{"is_online": false, "last_seen": at})
	if res.Error != nil {
		return 0, fmt.Errorf("reconcile offline: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUserNotFound
	}
	return err
}
