package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeolus87/moniqo-be-sub000/internal/agent"
	internal_http "github.com/aeolus87/moniqo-be-sub000/internal/http"
	"github.com/aeolus87/moniqo-be-sub000/internal/log"
	"github.com/aeolus87/moniqo-be-sub000/internal/market"
	internal_storage "github.com/aeolus87/moniqo-be-sub000/internal/storage"
	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr := mustDBFlag(cmd)
			port, _ := cmd.Flags().GetString("port")
			store := initStore(dbConnStr)
			defer store.Close()

			svc := buildService(store)
			defer svc.Close()

			recovered, err := svc.RecoverStuckOnStartup(context.Background())
			if err != nil {
				log.GetLogger().Errorf("Startup recovery failed: %v", err)
				os.Exit(1)
			}
			if recovered > 0 {
				fmt.Fprintf(os.Stdout, "Recovered %d stuck executions\n", recovered)
			}

			if err := internal_http.StartServer(port, svc); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "HTTP listen port")

	createCmd := &cobra.Command{
		Use:   "create [name] [symbol]",
		Short: "Create a new trading task",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr := mustDBFlag(cmd)
			mode, _ := cmd.Flags().GetString("mode")
			store := initStore(dbConnStr)
			defer store.Close()

			svc := buildService(store)
			defer svc.Close()

			task, err := svc.CreateTask(args[0], args[1], models.TaskMode(mode), models.DefaultTaskConfig())
			if err != nil {
				log.GetLogger().Errorf("Failed to create task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to create task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Created task '%s' (%s, %s) with ID %s\n", task.Name, task.Symbol, task.Mode, task.ID)
		},
	}
	createCmd.Flags().String("mode", "SOLO", "Task mode: SOLO or SWARM")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all trading tasks",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr := mustDBFlag(cmd)
			store := initStore(dbConnStr)
			defer store.Close()

			tasks, err := store.ListTasks()
			if err != nil {
				log.GetLogger().Errorf("Failed to list tasks: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list tasks: %v\n", err)
				os.Exit(1)
			}
			if len(tasks) == 0 {
				fmt.Fprintf(os.Stdout, "No tasks found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Tasks:\n")
			for _, t := range tasks {
				fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Symbol: %s, Mode: %s, Status: %s, Cycles: %d, Created: %s\n",
					t.ID, t.Name, t.Symbol, t.Mode, t.Status, t.CycleCount, t.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger [task-id]",
		Short: "Run one execution cycle for a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr := mustDBFlag(cmd)
			store := initStore(dbConnStr)
			defer store.Close()

			svc := buildService(store)
			defer svc.Close()

			execution, err := svc.TriggerOnce(context.Background(), args[0])
			if err != nil {
				log.GetLogger().Errorf("Execution failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: execution failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Execution %s finished with status %s\n", execution.ID, execution.Status)
			if execution.Result != nil {
				fmt.Fprintf(os.Stdout, "Decision: %s (confidence %.2f): %s\n",
					execution.Result.Action, execution.Result.Confidence, execution.Result.Reasoning)
			}
		},
	}

	startCmd := &cobra.Command{
		Use:   "start [task-id]",
		Short: "Start continuous execution of a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr := mustDBFlag(cmd)
			store := initStore(dbConnStr)
			defer store.Close()

			svc := buildService(store)
			defer svc.Close()

			task, err := svc.StartContinuous(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to start task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to start task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Task %s running continuously every %s\n", task.ID, task.Config.Loop.Interval)
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop [task-id]",
		Short: "Stop continuous execution of a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr := mustDBFlag(cmd)
			store := initStore(dbConnStr)
			defer store.Close()

			svc := buildService(store)
			defer svc.Close()

			task, err := svc.StopContinuous(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to stop task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to stop task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Task %s stopped\n", task.ID)
		},
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Fail stuck executions left behind by a crash",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr := mustDBFlag(cmd)
			store := initStore(dbConnStr)
			defer store.Close()

			svc := buildService(store)
			defer svc.Close()

			recovered, err := svc.RecoverStuckOnStartup(context.Background())
			if err != nil {
				log.GetLogger().Errorf("Recovery failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: recovery failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Recovered %d stuck executions\n", recovered)
		},
	}

	rootCmd.AddCommand(serveCmd, createCmd, listCmd, triggerCmd, startCmd, stopCmd, recoverCmd)
}

// buildService wires the collaborators from environment configuration.
func buildService(store *internal_storage.PostgresStore) *service.OrchestratorService {
	logger := log.GetLogger()

	var marketOpts []market.Option
	if base := os.Getenv("BINANCE_BASE_URL"); base != "" {
		marketOpts = append(marketOpts, market.WithBaseURL(base))
	}
	binance := market.NewBinanceClient(marketOpts...)

	var agentOpts []agent.Option
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		agentOpts = append(agentOpts, agent.WithAPIKey(key))
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		agentOpts = append(agentOpts, agent.WithModel(model))
	}

	balance := 10000.0
	if v := os.Getenv("PAPER_BALANCE_USDT"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			logger.Errorf("Invalid PAPER_BALANCE_USDT %q: %v", v, err)
			os.Exit(1)
		}
		balance = parsed
	}
	wallet := market.NewPaperWallet(binance, map[string]float64{"USDT": balance})

	clients := service.Collaborators{
		Market:   binance,
		Analyst:  agent.NewAnalyst(agentOpts...),
		Reviewer: agent.NewReviewer(agentOpts...),
		Wallet:   wallet,
	}
	return service.NewOrchestratorService(context.Background(), store, clients, logger)
}

func mustDBFlag(cmd *cobra.Command) string {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil || dbConnStr == "" {
		log.GetLogger().Errorf("Missing required --db flag")
		fmt.Fprintln(os.Stderr, "Error: --db connection string is required")
		os.Exit(1)
	}
	return dbConnStr
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
