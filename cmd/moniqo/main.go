package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aeolus87/moniqo-be-sub000/internal/cli"
)

var rootCmd = &cobra.Command{Use: "moniqo"}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Printf("No .env file found or failed to load: %v. Proceeding with environment variables.\n", err)
	}

	rootCmd.PersistentFlags().String("db", os.Getenv("DATABASE_URL"), "Database connection string")
	cli.SetupCLI(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
