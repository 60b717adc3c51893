package sqlgate

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/malbeclabs/pharma-lake/lake/pkg/warehouse"
)

const AccountsEnv = "SQLGATE_ACCOUNTS"

type Config struct {
	Logger            *slog.Logger
	Executor          warehouse.Executor
	HTTPListener      net.Listener // health endpoints
	PostgresListener  net.Listener
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Accounts maps username to password. Empty disables authentication.
	Accounts map[string]string
}

// LoadFromEnv adds accounts from SQLGATE_ACCOUNTS, formatted as
// "user1:pass1,user2:pass2".
func (cfg *Config) LoadFromEnv() error {
	accounts, err := ParseAccounts(os.Getenv(AccountsEnv))
	if err != nil {
		return err
	}
	if cfg.Accounts == nil {
		cfg.Accounts = make(map[string]string, len(accounts))
	}
	for user, pass := range accounts {
		cfg.Accounts[user] = pass
	}
	return nil
}

func ParseAccounts(s string) (map[string]string, error) {
	accounts := make(map[string]string)
	for _, accountStr := range strings.Split(s, ",") {
		accountStr = strings.TrimSpace(accountStr)
		if accountStr == "" {
			continue
		}

		parts := strings.SplitN(accountStr, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid account format in %s: %q (expected username:password)", AccountsEnv, accountStr)
		}

		username := strings.TrimSpace(parts[0])
		if username == "" {
			return nil, fmt.Errorf("username cannot be empty in %s: %q", AccountsEnv, accountStr)
		}
		accounts[username] = strings.TrimSpace(parts[1])
	}
	return accounts, nil
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.HTTPListener == nil {
		return errors.New("http listener is required")
	}
	if cfg.PostgresListener == nil {
		return errors.New("postgres listener is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}
