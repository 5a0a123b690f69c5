package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"inboxzero/internal/bootstrap"
	"inboxzero/internal/bulk"
	"inboxzero/internal/config"
	"inboxzero/pkg/logger"
	"inboxzero/pkg/premium"
)

var (
	accountID   string
	limit       int
	concurrency int
	execute     bool
	tier        string
	aiAccess    bool
)

var rootCmd = &cobra.Command{
	Use:           "bulk-run",
	Short:         "Run inbox rules over existing mail and manage accounts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// runCmd 对最近的收件箱邮件跑规则
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run rules over recent inbox messages",
	Long: `Lists recent inbox messages of an account and runs the rule pipeline for each.

Messages that already have an executed rule are skipped. Without --execute the
matched actions are only recorded as a plan.`,
	RunE: runBulk,
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage connected email accounts",
}

var accountPremiumCmd = &cobra.Command{
	Use:   "premium",
	Short: "Set the premium tier and AI access of an account",
	RunE:  runAccountPremium,
}

var accountWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Renew the mailbox watch of an account",
	RunE:  runAccountWatch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&accountID, "account", "", "email account id")
	_ = rootCmd.MarkPersistentFlagRequired("account")

	runCmd.Flags().IntVar(&limit, "limit", bulk.DefaultLimit, "number of recent inbox messages")
	runCmd.Flags().IntVar(&concurrency, "concurrency", bulk.DefaultConcurrency, "messages processed in parallel")
	runCmd.Flags().BoolVar(&execute, "execute", false, "execute matched actions instead of only planning")

	accountPremiumCmd.Flags().StringVar(&tier, "tier", premium.TierPro, "FREE, BASIC, PRO, BUSINESS or LIFETIME")
	accountPremiumCmd.Flags().BoolVar(&aiAccess, "ai-access", true, "allow AI rule processing")

	accountCmd.AddCommand(accountPremiumCmd, accountWatchCmd)
	rootCmd.AddCommand(runCmd, accountCmd)
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp(ctx context.Context) (*bootstrap.App, *zap.Logger, error) {
	cfg := config.Load()
	log := logger.NewLogger(cfg.Env)
	app, err := bootstrap.New(ctx, cfg, log, false)
	if err != nil {
		return nil, log, err
	}
	return app, log, nil
}

func runBulk(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	app, log, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	defer log.Sync()

	account, err := app.Accounts.FindByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	p, err := app.Providers.ForAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	runner := bulk.NewRunner(app.Runner, app.Executed, log)
	sum, err := runner.Run(ctx, p, account, bulk.Options{
		Limit:       limit,
		Concurrency: concurrency,
		Execute:     execute,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "listed=%d skipped=%d matched=%d no_match=%d failed=%d scheduled=%d\n",
		sum.Listed, sum.Skipped, sum.Matched, sum.NoMatch, sum.Failed, sum.Scheduled)
	return nil
}

func runAccountPremium(cmd *cobra.Command, _ []string) error {
	tier = strings.ToUpper(tier)
	if tier != premium.TierFree && !premium.IsPremium(tier) {
		return fmt.Errorf("unknown tier %q", tier)
	}

	ctx := cmd.Context()
	app, log, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	defer log.Sync()

	if err := app.Accounts.SetPremium(ctx, accountID, tier, aiAccess); err != nil {
		return fmt.Errorf("set premium: %w", err)
	}
	log.Info("Account premium updated",
		zap.String("email_account_id", accountID),
		zap.String("tier", tier),
		zap.Bool("ai_access", aiAccess),
	)
	return nil
}

func runAccountWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	app, log, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	defer log.Sync()

	account, err := app.Accounts.FindByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	p, err := app.Providers.ForAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}
	res, err := p.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	var subID *string
	if res.SubscriptionID != "" {
		subID = &res.SubscriptionID
	}
	var historyID *uint64
	if res.HistoryID > 0 {
		historyID = &res.HistoryID
	}
	if err := app.Accounts.SetWatch(ctx, account.ID, subID, &res.ExpiresAt, historyID); err != nil {
		return fmt.Errorf("store watch: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "watching %s until %s\n", account.Email, res.ExpiresAt.Format("2006-01-02 15:04"))
	return nil
}
