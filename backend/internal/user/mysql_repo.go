package user

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
)

type mysqlRepository struct {
	db *sql.DB
}

func NewMySQLRepository(db *sql.DB) *mysqlRepository {
	return &mysqlRepository{db: db}
}

// Migrate 建表（用户注册在外部系统完成，这里只保证本地开发可用）
func (r *mysqlRepository) Migrate(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS users (
		id            VARCHAR(36)  NOT NULL PRIMARY KEY,
		name          VARCHAR(255) NOT NULL,
		email         VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARBINARY(255) NOT NULL,
		created_at    DATETIME(3)  NOT NULL
	);
	`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *mysqlRepository) Create(ctx context.Context, u *User) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	const q = `
	INSERT INTO users (id, name, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?);
	`
	_, err := r.db.ExecContext(ctx, q, u.ID, u.Name, u.Email, u.PasswordHash, u.CreatedAt)
	if err != nil {
		// 1062 = duplicate key
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrEmailTaken
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrDeadlineExceeded
		}
		return err
	}
	return nil
}

func (r *mysqlRepository) GetByID(ctx context.Context, id string) (*User, error) {
	const q = `
	SELECT id, name, email, password_hash, created_at FROM users WHERE id = ?;
	`
	return r.getOne(ctx, q, id)
}

func (r *mysqlRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	const q = `
	SELECT id, name, email, password_hash, created_at FROM users WHERE email = ?;
	`
	return r.getOne(ctx, q, email)
}

func (r *mysqlRepository) getOne(ctx context.Context, q string, arg string) (*User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var u User
	err := r.db.QueryRowContext(ctx, q, arg).Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrDeadlineExceeded
		}
		return nil, err
	}
	return &u, nil
}
