package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BenjaminMensah-2255/whos-going/internal/auth"
	"github.com/BenjaminMensah-2255/whos-going/internal/config"
	"github.com/BenjaminMensah-2255/whos-going/internal/db"
	"github.com/BenjaminMensah-2255/whos-going/internal/engine"
	"github.com/BenjaminMensah-2255/whos-going/internal/live"
	"github.com/BenjaminMensah-2255/whos-going/internal/migrate"
	"github.com/BenjaminMensah-2255/whos-going/internal/money"
	"github.com/BenjaminMensah-2255/whos-going/internal/notify"
	"github.com/BenjaminMensah-2255/whos-going/internal/server"
	"github.com/BenjaminMensah-2255/whos-going/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:   "whosgoing",
	Short: "Who's Going CLI",
	Long: `Who's Going coordinates group purchases. Someone announces a run
("I'm going to the coffee shop, leaving in 20 minutes"), others attach
their orders before the departure deadline, and the runner collects an
exact per-person payment summary afterwards.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WHOSGOING")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "whosgoing.yml", "config file")
	rootCmd.PersistentFlags().String("db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "", "acting user id")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup()
			cfg, err := config.LoadOptional(viper.GetString("config"))
			if err != nil {
				return err
			}
			if p := viper.GetString("db"); p != "" {
				cfg.DB.Path = p
			}
			secret := cfg.Auth.JWTSecret
			if secret == "" {
				secret = os.Getenv("WHOSGOING_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("jwt secret is required: set auth.jwt_secret or WHOSGOING_JWT_SECRET")
			}

			conn, err := db.Open(cfg.DB.Path)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			hub := live.NewHub()
			e := engine.New(conn)
			e.Live = hub

			sweeper := engine.NewSweeper(e, cfg.Sweep.Schedule)
			if err := sweeper.Start(); err != nil {
				return err
			}
			defer sweeper.Stop()

			if cfg.MailEnabled() {
				mailer := notify.SMTPMailer{
					Host:     cfg.SMTP.Host,
					Port:     cfg.SMTP.Port,
					Username: cfg.SMTP.Username,
					Password: cfg.SMTP.Password,
					From:     cfg.SMTP.From,
				}
				dispatcher := notify.NewDispatcher(e.Repo, mailer, cfg.App.URL)
				if cfg.Notify.IntervalSeconds > 0 {
					dispatcher.Interval = time.Duration(cfg.Notify.IntervalSeconds) * time.Second
				}
				dispatcher.Start()
				defer dispatcher.Stop()
			}

			issuer := auth.TokenIssuer{
				Secret: secret,
				TTL:    time.Duration(cfg.Auth.TokenTTLHours) * time.Hour,
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Issuer:   issuer,
				Hub:      hub,
				BasePath: cfg.Server.BasePath,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Who's Going API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
		Long:  "Runs are coordination windows: open while the runner is still at their desk, closed once the deadline passes or the runner leaves, completed when orders are delivered.",
	}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runCloseCmd())
	run.AddCommand(runCompleteCmd())
	run.AddCommand(runExtendCmd())
	run.AddCommand(runTotalsCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var vendor, note string
	var minutes int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Announce a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CreateRun(ctx, requireUser(), vendor, minutes, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&vendor, "vendor", "", "where the runner is going")
	cmd.Flags().IntVar(&minutes, "minutes", 15, "minutes until departure")
	cmd.Flags().StringVar(&note, "note", "", "optional note")
	_ = cmd.MarkFlagRequired("vendor")
	return cmd
}

func runListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.ListActiveRuns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Vendor", "Runner", "Status", "Departs", "Items", "Urgency"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.VendorName, r.RunnerName, r.Status, r.DepartureTime, r.ItemCount, r.Urgency})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(detail)
				}
				fmt.Printf("%s -> %s (%s), departs %s [%s]\n",
					detail.RunnerName, detail.VendorName, detail.Status, detail.DepartureTime, detail.Urgency)
				if detail.Note != "" {
					fmt.Printf("note: %s\n", detail.Note)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Who", "Item", "Qty", "Price", "Total", "Paid"})
				for _, it := range detail.Items {
					tw.AppendRow(table.Row{it.ID, it.UserName, it.Name, it.Quantity, it.PriceCents.String(), it.TotalCents.String(), it.Paid})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <run-id>",
		Short: "Close a run early",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CloseRun(ctx, requireUser(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <run-id>",
		Short: "Mark a run completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CompleteRun(ctx, requireUser(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runExtendCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "extend <run-id>",
		Short: "Push a run's departure time out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.ExtendRun(ctx, requireUser(), args[0], minutes)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 5, "minutes to add")
	return cmd
}

func runTotalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "totals <run-id>",
		Short: "Per-person payment summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.PaymentSummary(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Who", "Items", "Subtotal"})
				for _, u := range t.Users {
					tw.AppendRow(table.Row{u.UserName, len(u.Items), u.SubtotalCents.String()})
				}
				tw.AppendFooter(table.Row{"Total", "", t.GrandTotalCents.String()})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage items on a run"}
	item.AddCommand(itemAddCmd())
	item.AddCommand(itemUpdateCmd())
	item.AddCommand(itemDeleteCmd())
	item.AddCommand(itemPaidCmd())
	return item
}

func itemAddCmd() *cobra.Command {
	var runID, name, price, notes string
	var quantity int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an item to a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cents, err := money.Parse(price)
			if err != nil {
				return fmt.Errorf("invalid price: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.AddItem(ctx, requireUser(), runID, engine.ItemInput{
					Name:     name,
					Quantity: quantity,
					Price:    cents,
					Notes:    notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&name, "name", "", "item name")
	cmd.Flags().IntVar(&quantity, "quantity", 1, "quantity")
	cmd.Flags().StringVar(&price, "price", "", "unit price, e.g. 3.50")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the runner")
	_ = cmd.MarkFlagRequired("run")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func itemUpdateCmd() *cobra.Command {
	var name, price, notes string
	var quantity int
	cmd := &cobra.Command{
		Use:   "update <item-id>",
		Short: "Edit your item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd engine.ItemUpdate
			if cmd.Flags().Changed("name") {
				upd.Name = &name
			}
			if cmd.Flags().Changed("quantity") {
				upd.Quantity = &quantity
			}
			if cmd.Flags().Changed("price") {
				cents, err := money.Parse(price)
				if err != nil {
					return fmt.Errorf("invalid price: %w", err)
				}
				upd.Price = &cents
			}
			if cmd.Flags().Changed("notes") {
				upd.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.UpdateItem(ctx, requireUser(), args[0], upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "item name")
	cmd.Flags().IntVar(&quantity, "quantity", 0, "quantity")
	cmd.Flags().StringVar(&price, "price", "", "unit price, e.g. 3.50")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the runner")
	return cmd
}

func itemDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <item-id>",
		Short: "Remove your item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteItem(ctx, requireUser(), args[0])
			})
		},
	}
	return cmd
}

func itemPaidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paid <item-id>",
		Short: "Toggle an item's paid flag (runner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				paid, err := e.TogglePaid(ctx, requireUser(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"item_id": args[0], "paid": paid})
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var name, email, password string
	var notifications bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.RegisterUser(ctx, name, email, password, notifications)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email for notifications")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().BoolVar(&notifications, "notifications", true, "enable email notifications")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Notify"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.NotificationsEnabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.TailEvents(ctx, n, runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Close runs whose departure time has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepDeadlines(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("closed %d run(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return err
	}
	if p := viper.GetString("db"); p != "" {
		cfg.DB.Path = p
	}
	conn, err := db.Open(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn))
}

func requireUser() string {
	return viper.GetString("user-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
