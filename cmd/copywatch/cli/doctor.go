package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"

	"github.com/majorcontext/copywatch/internal/config"
	"github.com/majorcontext/copywatch/internal/docker"
	"github.com/majorcontext/copywatch/internal/doctor"
	"github.com/majorcontext/copywatch/internal/history"
	"github.com/majorcontext/copywatch/internal/ui"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the copywatch environment",
	Long: `Checks that copywatch can do its job on this machine:

- the configuration file parses and its timing parameters are consistent
- the Docker daemon is reachable (needed for container:// destinations)
- AWS credentials resolve to an identity (needed for s3:// destinations)
- the watch history database opens`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ui.Section(out, "copywatch doctor")

	reg := doctor.NewRegistry(10 * time.Second)
	reg.Register(configCheck{})
	reg.Register(dockerCheck{})
	reg.Register(awsCheck{})
	reg.Register(historyCheck{})

	if failed := reg.RunAll(cmd.Context(), out); failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

type configCheck struct{}

func (configCheck) Name() string { return "Config" }

func (configCheck) Run(ctx context.Context) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	t := cfg.Timing
	return fmt.Sprintf("%s (check every %s, terminate after %s)", path, t.CheckInterval, t.InactivityPeriod), nil
}

type dockerCheck struct{}

func (dockerCheck) Name() string { return "Docker" }

func (dockerCheck) Run(ctx context.Context) (string, error) {
	dc, err := docker.NewClient()
	if err != nil {
		return "", &doctor.Skipped{Reason: fmt.Sprintf("no Docker client, container:// unavailable: %v", err)}
	}
	defer dc.Close()
	if err := dc.Ping(ctx); err != nil {
		return "", &doctor.Skipped{Reason: fmt.Sprintf("daemon not reachable, container:// unavailable: %v", err)}
	}
	return "daemon reachable", nil
}

type awsCheck struct{}

func (awsCheck) Name() string { return "AWS" }

func (awsCheck) Run(ctx context.Context) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", &doctor.Skipped{Reason: fmt.Sprintf("no AWS config, s3:// unavailable: %v", err)}
	}
	ident, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", &doctor.Skipped{Reason: fmt.Sprintf("no usable AWS credentials, s3:// unavailable: %v", err)}
	}
	region := awsCfg.Region
	if region == "" {
		region = "no region"
	}
	return fmt.Sprintf("%s (%s)", aws.ToString(ident.Arn), region), nil
}

type historyCheck struct{}

func (historyCheck) Name() string { return "History" }

func (historyCheck) Run(ctx context.Context) (string, error) {
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return "", err
	}
	defer store.Close()
	records, err := store.List(0)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%d watches)", cfg.History.Path, len(records)), nil
}
