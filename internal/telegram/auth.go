package telegram

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// authorize checks the stored session and, when allowed, runs the phone
// code login flow.
func (c *Client) authorize(ctx context.Context, client *telegram.Client) error {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if status.Authorized {
		c.logger.Debug("session restored")
		return nil
	}
	if !c.cfg.Interactive || c.cfg.Phone == "" {
		return ErrUnauthorized
	}
	c.logger.Info("session not authorized, starting login")
	flow := auth.NewFlow(
		auth.Constant(c.cfg.Phone, c.cfg.Password, auth.CodeAuthenticatorFunc(c.promptCode)),
		auth.SendCodeOptions{},
	)
	if err := client.Auth().IfNecessary(ctx, flow); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.logger.Info("login succeeded")
	return nil
}

func (c *Client) promptCode(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	fmt.Printf("Enter the login code for %s: ", c.cfg.Name)
	codes := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(c.codeInput).ReadString('\n')
		if err != nil && line == "" {
			errs <- fmt.Errorf("read login code: %w", err)
			return
		}
		codes <- strings.TrimSpace(line)
	}()
	select {
	case code := <-codes:
		c.logger.Debug("login code entered", zap.Int("length", len(code)))
		return code, nil
	case err := <-errs:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("login code prompt: %w", ctx.Err())
	}
}
