package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dreamlayer/imagegen-client/pkg/client"
	"github.com/dreamlayer/imagegen-client/pkg/fetch"
	"github.com/dreamlayer/imagegen-client/pkg/util"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dreamlayer/imagegen-client/internal/build"
)

func main() {
	var cfg client.Config
	cfg.Url = "wss://ws-api.runware.ai/v1"
	if os.Getenv("IMAGEGEN_WS_URL") != "" {
		cfg.Url = os.Getenv("IMAGEGEN_WS_URL")
	}
	if os.Getenv("IMAGEGEN_API_KEY") != "" {
		cfg.ApiKey = os.Getenv("IMAGEGEN_API_KEY")
	}

	var (
		params     []string
		galleryDir string
		userID     string
		verbose    bool
	)
	rootCmd := &cobra.Command{
		Use:     "imagegen",
		Version: build.Version,
		Short:   "Interactive client for an AI image-generation provider",
		Long:    "Generate images over the provider's persistent websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyParams(&cfg, util.SliceToMap(params)); err != nil {
				return err
			}
			return startBubbleClient(cfg, clientOptions(galleryDir, userID, verbose)...)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfg.Url, "url", "u", cfg.Url, "Provider websocket URL")
	rootCmd.PersistentFlags().StringVarP(&cfg.ApiKey, "key", "k", cfg.ApiKey, "Provider API key")
	rootCmd.PersistentFlags().StringVarP(&cfg.Model, "model", "m", cfg.Model, "Model identifier")
	rootCmd.PersistentFlags().StringVarP(&cfg.RequestTimeout, "request-timeout", "t", "2m", "Max time to wait for each generation, default: 2m")
	rootCmd.PersistentFlags().StringVarP(&cfg.AuthTimeout, "auth-timeout", "A", "10s", "Max time to wait for the authentication handshake, default: 10s")
	rootCmd.PersistentFlags().IntVarP(&cfg.MaxReconnectAttempts, "max-reconnects", "r", 3, "Max reconnect attempts after an unexpected disconnect (3-5)")
	rootCmd.PersistentFlags().StringSliceVarP(&params, "param", "P", []string{}, "Sampling overrides as key=value (width, height, steps, cfgScale, scheduler, strength, outputFormat)")
	rootCmd.PersistentFlags().StringVarP(&galleryDir, "gallery-dir", "g", "", "Directory to persist generation records to (optional)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "U", "", "User identifier stored with gallery records")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	var (
		prompt  string
		outFile string
	)
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a single image and print its URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyParams(&cfg, util.SliceToMap(params)); err != nil {
				return err
			}
			return generateOnce(cfg, prompt, outFile, clientOptions(galleryDir, userID, verbose)...)
		},
	}
	generateCmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt to generate an image for (required)")
	generateCmd.Flags().StringVarP(&outFile, "out", "o", "", "Save the generated image to this file")
	_ = generateCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(generateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func clientOptions(galleryDir, userID string, verbose bool) []client.Option {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	opts := []client.Option{client.WithLogger(log)}
	if galleryDir != "" {
		opts = append(opts, client.WithStore(client.NewFileStore(galleryDir), userID))
	}
	return opts
}

// applyParams maps --param key=value overrides onto the sampling config.
func applyParams(cfg *client.Config, params map[string]string) error {
	for key, value := range params {
		var err error
		switch key {
		case "width":
			cfg.Width, err = strconv.Atoi(value)
		case "height":
			cfg.Height, err = strconv.Atoi(value)
		case "steps":
			cfg.Steps, err = strconv.Atoi(value)
		case "numberResults":
			cfg.NumberResults, err = strconv.Atoi(value)
		case "cfgScale":
			cfg.CFGScale, err = strconv.ParseFloat(value, 64)
		case "strength":
			cfg.Strength, err = strconv.ParseFloat(value, 64)
		case "scheduler":
			cfg.Scheduler = value
		case "outputFormat":
			cfg.OutputFormat = value
		case "model":
			cfg.Model = value
		default:
			return fmt.Errorf("unknown parameter %q", key)
		}
		if err != nil {
			return fmt.Errorf("invalid value for parameter %q: %v", key, err)
		}
	}
	return nil
}

func startBubbleClient(cfg client.Config, opts ...client.Option) error {
	tui, err := client.BubbleClient(context.Background(), cfg, opts...)
	if err != nil {
		return err
	}
	p := tea.NewProgram(tui)

	_, err = p.Run()
	return err
}

func generateOnce(cfg client.Config, prompt, outFile string, opts ...client.Option) error {
	c, err := client.NewClient(cfg, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	img, err := c.GenerateImage(ctx, prompt)
	if err != nil {
		return err
	}
	fmt.Println(img.ImageURL)

	if outFile != "" {
		if err := fetch.NewClient(time.Second * 60).SaveTo(ctx, img.ImageURL, outFile); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "saved to %s\n", outFile)
	}
	return nil
}
