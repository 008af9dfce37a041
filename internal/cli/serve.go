package cli

import (
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/logging"
	"github.com/rescale/rescale-upload/internal/receiver"
)

func newServeCmd() *cobra.Command {
	cfg := receiver.Config{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local upload endpoint for testing",
		Long: `Run a minimal HTTP endpoint that accepts the uploads this tool sends.

POST ` + constants.ReceiverUploadPath + ` takes a multipart "file" part and answers
{"success":true,...}. GET /healthz answers "ok". Received files are written
to --save-dir when it is set and discarded otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return receiver.NewServer(cfg, logging.NewLogger("receiver")).Run(GetContext())
		},
	}

	cmd.Flags().StringVar(&cfg.Addr, "addr", constants.DefaultReceiverAddr, "Listen address")
	cmd.Flags().StringVar(&cfg.SaveDir, "save-dir", "", "Directory to store received files")

	return cmd
}
