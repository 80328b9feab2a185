package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/gammadia/gridscale/client/sossh"
	"github.com/gammadia/gridscale/rpc"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var clientConn *grpc.ClientConn
var client *rpc.Client

var gridctlCmd = &cobra.Command{
	Use:   "gridctl",
	Short: "gridctl drives a gridscale cluster.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if err != nil {
				err = fmt.Errorf("failed to connect to gridscaled: %w", err)
			}
		}()

		remote := lo.Must(cmd.Flags().GetString("remote"))

		host, port, _ := strings.Cut(remote, ":")
		if port == "" {
			port = "25374"
		}
		sshTunneling := lo.Must(cmd.Flags().GetBool("ssh-tunneling"))
		if (host == "127.0.0.1" || host == "localhost") && !cmd.Flags().Changed("ssh-tunneling") {
			sshTunneling = false
		}

		tunnel := sossh.Tunnel{
			Host:     host,
			Port:     lo.Must(cmd.Flags().GetInt("ssh-port")),
			Username: lo.Must(cmd.Flags().GetString("ssh-username")),
		}

		clientConn, err = grpc.NewClient(
			fmt.Sprintf("passthrough:///%s:%s", host, port),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(ctx context.Context, remote string) (net.Conn, error) {
				if !sshTunneling {
					var dialer net.Dialer
					return dialer.DialContext(ctx, "tcp", remote)
				}
				return tunnel.DialContext(ctx, fmt.Sprintf("127.0.0.1:%s", port))
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to dial gRPC: %w", err)
		}

		client = rpc.NewClient(clientConn)
		return nil
	},

	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if clientConn != nil {
			return clientConn.Close()
		}
		return nil
	},
}

func init() {
	gridctlCmd.AddCommand(addCmd)
	gridctlCmd.AddCommand(completionCmd)
	gridctlCmd.AddCommand(metricsCmd)
	gridctlCmd.AddCommand(nodesCmd)
	gridctlCmd.AddCommand(removeCmd)
	gridctlCmd.AddCommand(topCmd)
	gridctlCmd.AddCommand(versionCmd)

	gridctlCmd.PersistentFlags().String("remote", lo.Must(lo.Coalesce(os.Getenv("GRIDSCALE_REMOTE"), "127.0.0.1:25374")), "the gridscaled remote address")
	gridctlCmd.PersistentFlags().Bool("ssh-tunneling", true, "use ssh tunneling to connect to gridscaled")
	gridctlCmd.PersistentFlags().String("ssh-username", lo.Must(lo.Coalesce(os.Getenv("GRIDSCALE_SSH_USERNAME"), "root")), "username to use for ssh tunneling")
	gridctlCmd.PersistentFlags().Int("ssh-port", 22, "port to use for ssh tunneling")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gridctlCmd.SetOut(os.Stdout)
	if err := gridctlCmd.ExecuteContext(ctx); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
