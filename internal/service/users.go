package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"umspos/backend/internal/domain"
	"umspos/backend/internal/mailer"
)

// UserCreated records a new account and sends the invite email. A failed
// email is logged only; the account already exists.
func (s *Service) UserCreated(ctx context.Context, user domain.User) {
	s.logAudit(ctx, "user_create", "user", user.Username, fmt.Sprintf("role=%s,email=%s", user.Role, user.Email))
	s.notify(ctx, domain.NotificationUserCreated, "User created",
		fmt.Sprintf("%s joined as %s", user.Username, user.Role),
		map[string]string{"username": user.Username, "role": user.Role},
	)

	err := s.mailer.SendInvite(ctx, mailer.Invite{
		To:       user.Email,
		Name:     user.Name,
		Username: user.Username,
		Role:     user.Role,
	})
	if err != nil {
		s.metrics.IncrExternalError("resend")
		s.logger.Warn("invite email failed", zap.String("username", user.Username), zap.Error(err))
	}
}

// UserChanged audits role, activation and password changes.
func (s *Service) UserChanged(ctx context.Context, action string, username string, detail string) {
	s.logAudit(ctx, action, "user", username, detail)
}
