package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/face-verify/internal/deepface"
	"github.com/example/face-verify/internal/imaging"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/refstore"
	"github.com/example/face-verify/internal/verifier"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "facecheck",
		Short:        "Verify a face image against a directory of reference images",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(newVerifyCmd())

	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		databaseDir  string
		deepfaceAddr string
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "verify <image>",
		Short: "Compare one image against every reference image",
		Long: `Verify decodes the given image, normalizes it to the model input size,
and compares it against every reference image in the database directory.
The best match is printed as JSON.`,
		Example: `  facecheck verify selfie.png
  facecheck verify --database ./faces --deepface http://localhost:5000 selfie.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, args[0], databaseDir, deepfaceAddr, verbose)
		},
	}

	cmd.Flags().StringVar(&databaseDir, "database", envOr("DATABASE_DIR", "/app/database"), "directory holding reference images")
	cmd.Flags().StringVar(&deepfaceAddr, "deepface", envOr("DEEPFACE_ADDR", "http://localhost:5000"), "base URL of the face verification service")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every comparison")

	return cmd
}

func runVerify(cmd *cobra.Command, imagePath, databaseDir, deepfaceAddr string, verbose bool) error {
	logger, err := logging.NewCLILogger(verbose)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}

	tempPath, err := imaging.Stage(data)
	if err != nil {
		return err
	}
	defer os.Remove(tempPath)

	references, err := refstore.List(databaseDir)
	if err != nil {
		return err
	}

	client := deepface.NewClient(deepfaceAddr, logger)
	outcomes := verifier.CompareAll(cmd.Context(), client, tempPath, references, logger)
	result := verifier.ReduceBestMatch(outcomes)

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))

	return nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
