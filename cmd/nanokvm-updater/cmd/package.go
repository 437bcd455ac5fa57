package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Bengt/NanoKVM-Updater/internal/service/packager"
)

// passphraseEnv supplies the signing key passphrase without exposing it in the process list.
const passphraseEnv = "NANOKVM_PACKAGER_PASSPHRASE"

var (
	// packageOptions are filled from flags of the package command.
	packageOptions packager.Options

	// packageCmd prepares a release descriptor.
	packageCmd = &cobra.Command{
		Use:   "package [--artifact] artifact.zip",
		Short: "Prepare a release descriptor for distribution.",
		Long: `Inspect the application archive, compute its size and SHA-512 checksum,
optionally sign it, and write the release descriptor the updater fetches.
With --publish the archive and the descriptor are uploaded to S3-compatible
storage using the s3 settings of the configuration file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			opts := packageOptions
			if len(args) > 0 {
				opts.Artifact = args[0]
			}

			opts.ConfigPath = configPath
			opts.EnvFile = envFile

			if opts.Passphrase == "" {
				opts.Passphrase = os.Getenv(passphraseEnv)
			}

			_, err := packager.Run(ctx, &opts)

			return err
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := packageCmd.Flags()
	flags.StringVarP(&packageOptions.Artifact, "artifact", "a", "", "zip archive of the application tree")
	flags.StringVar(&packageOptions.Version, "version", "", "release version")
	flags.StringVar(&packageOptions.URL, "url", "", "artifact download URL (https:// or s3://)")
	flags.StringVar(&packageOptions.Notes, "notes", "", "release notes")
	flags.StringVar(&packageOptions.SignKeyFile, "sign-key", "", "ASCII-armored OpenPGP private key")
	flags.StringVar(&packageOptions.Passphrase, "passphrase", "", "passphrase of the signing key (or "+passphraseEnv+")")
	flags.StringVar(&packageOptions.Output, "descriptor", packager.DefaultDescriptorFilename, "descriptor output path")
	flags.StringVar(&packageOptions.Publish, "publish", "", "upload to s3://bucket/prefix")
	flags.StringVar(&packageOptions.UpdaterBinary, "updater-binary", "", "updater build to publish with the release")
	flags.StringVar(&packageOptions.UpdaterVersion, "updater-version", "", "version of the updater build")
	flags.StringVar(&packageOptions.UpdaterURL, "updater-url", "", "download URL of the updater build")

	err := packageCmd.MarkFlagRequired("version")
	if err != nil {
		panic(err)
	}

	rootCmd.AddCommand(packageCmd)
}
