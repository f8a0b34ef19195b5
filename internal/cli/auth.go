package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"zerodha-oms/internal/broker"
	apperrors "zerodha-oms/internal/errors"
)

func newAuthCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Kite Connect session",
	}
	cmd.AddCommand(newLoginCmd(env))
	cmd.AddCommand(newLogoutCmd(env))
	cmd.AddCommand(newAuthStatusCmd(env))
	return cmd
}

// liveBroker returns the Zerodha broker, which only exists in live mode.
func liveBroker(env *Env) (*broker.ZerodhaBroker, error) {
	if env.Config.IsPaperMode() {
		return nil, fmt.Errorf("%w: trading.mode is paper, no broker session needed", apperrors.ErrConfigInvalid)
	}
	if env.Config.Credentials.Zerodha.APIKey == "" {
		return nil, fmt.Errorf("%w: api_key missing from credentials.toml", apperrors.ErrConfigInvalid)
	}
	oms, err := env.OMS()
	if err != nil {
		return nil, err
	}
	return oms.Live, nil
}

func newLoginCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to Zerodha Kite Connect",
		Long: `Login to Zerodha Kite Connect.

Opens the Kite login page and waits for the request_token from the redirect
URL. The resulting access token is saved and used by 'oms run' until it
expires at 6 AM IST the next day.`,
		Example: `  oms auth login
  oms auth login --token=<request_token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			zb, err := liveBroker(env)
			if err != nil {
				return fail(output, err, "Login")
			}

			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				if err := zb.Login(ctx); err == nil {
					output.Success("✓ Already logged in")
					return nil
				} else if !errors.Is(err, apperrors.ErrNotAuthenticated) {
					return fail(output, err, "Login")
				}

				loginURL := zb.GetLoginURL()
				output.Bold("Login URL:")
				output.Println(loginURL)
				output.Println()
				if err := openURL(loginURL); err != nil {
					output.Warning("Could not open browser automatically")
				}
				output.Info("After logging in you are redirected to a URL like:")
				output.Dim("  https://your-redirect-url.com/?request_token=XXXXXX&status=success")
				output.Bold("Paste the request_token value here:")
				output.Printf("> ")

				line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				token = strings.TrimSpace(line)
				if token == "" {
					return fail(output, errors.New("no token provided"), "Login")
				}
			}

			if err := zb.CompleteLogin(ctx, token); err != nil {
				return fail(output, err, "Login")
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"authenticated": true, "expires_at": sessionExpiry(time.Now())})
			}
			output.Success("✓ Login successful")
			output.Dim("Session expires %s", FormatDateTime(sessionExpiry(time.Now())))
			return nil
		},
	}

	cmd.Flags().String("token", "", "request token from the redirect URL")

	return cmd
}

func newLogoutCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Invalidate the session and remove the saved token",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			zb, err := liveBroker(env)
			if err != nil {
				return fail(output, err, "Logout")
			}
			if !zb.IsAuthenticated() {
				output.Warning("Not currently logged in.")
				return nil
			}
			if err := zb.Logout(ctx); err != nil {
				return fail(output, err, "Logout")
			}
			output.Success("✓ Logged out")
			return nil
		},
	}
}

func newAuthStatusCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a usable session exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			if env.Config.IsPaperMode() {
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"mode": "paper", "authenticated": true})
				}
				output.Info("Paper mode, no broker session needed")
				return nil
			}

			zb, err := liveBroker(env)
			if err != nil {
				return fail(output, err, "Auth status")
			}
			authErr := zb.Login(ctx)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"mode": "live", "authenticated": authErr == nil})
			}
			if authErr != nil {
				output.Warning("Not logged in. Run 'oms auth login'.")
				return nil
			}
			output.Success("✓ Session valid for %s", env.Config.Credentials.Zerodha.UserID)
			output.Dim("Expires in %s", FormatDuration(time.Until(sessionExpiry(time.Now()))))
			return nil
		},
	}
}

// sessionExpiry is when Kite invalidates access tokens: 6 AM IST.
func sessionExpiry(now time.Time) time.Time {
	now = now.In(ist)
	expiry := time.Date(now.Year(), now.Month(), now.Day(), 6, 0, 0, 0, ist)
	if !now.Before(expiry) {
		expiry = expiry.AddDate(0, 0, 1)
	}
	return expiry
}

func openURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}
