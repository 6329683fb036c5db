package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"docsync/backend/internal/user"
)

var (
	addName     string
	addEmail    string
	addPassword string
)

// 注册流程不在本服务内，这里只提供本地建号
var useraddCmd = &cobra.Command{
	Use:   "useradd",
	Short: "Create a user in the configured user repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		if addEmail == "" || addPassword == "" {
			return errors.New("--email and --password are required")
		}
		cfg, logger, sync, err := loadConfig()
		if err != nil {
			return err
		}
		defer sync()

		b, err := openBackends(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer b.Close()

		hash, err := bcrypt.GenerateFromPassword([]byte(addPassword), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		name := addName
		if name == "" {
			name, _, _ = strings.Cut(addEmail, "@")
		}
		u := &user.User{
			ID:           uuid.NewString(),
			Name:         name,
			Email:        addEmail,
			PasswordHash: hash,
			CreatedAt:    time.Now().UTC(),
		}
		if err := b.users.Create(cmd.Context(), u); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u.ID)
		return nil
	},
}

func init() {
	useraddCmd.Flags().StringVar(&addName, "name", "", "display name (default: local part of the email)")
	useraddCmd.Flags().StringVar(&addEmail, "email", "", "login email")
	useraddCmd.Flags().StringVar(&addPassword, "password", "", "login password")
	rootCmd.AddCommand(useraddCmd)
}
