package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/setup"
)

func init() {
	roleCmd.Flags().BoolVar(&acceptTos, "accept-tos", false, "Accept the terms of service")

	configureCmd.Flags().StringVar(&cfgName, "name", "", "Guardian name shown to other guardians")
	configureCmd.Flags().IntVar(&cfgPeers, "peers", 0, "Number of guardians in the federation")
	configureCmd.Flags().StringVar(&cfgHostURL, "host-url", "", "Host guardian API URL (follower only)")
	configureCmd.Flags().StringArrayVar(&cfgMeta, "meta", nil, "Federation meta entry key=value (repeatable)")
	configureCmd.Flags().StringVar(&cfgParams, "params", "", "JSON file overriding the server's default config gen params")

	connectCmd.Flags().BoolVar(&approve, "approve", false, "Approve the host's configuration once all guardians joined (follower)")
	connectCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "Give up waiting after this long (0 waits forever)")

	verifyCmd.Flags().StringArrayVar(&hashes, "hash", nil, "Verification hash of a peer as <peer id>=<hash>; pass one per peer (repeatable)")

	setupCmd.AddCommand(roleCmd, configureCmd, connectCmd, dkgCmd, verifyCmd, startCmd, recheckCmd, restartCmd)
	rootCmd.AddCommand(setupCmd)
}

var (
	acceptTos   bool
	cfgName     string
	cfgPeers    int
	cfgHostURL  string
	cfgMeta     []string
	cfgParams   string
	approve     bool
	waitTimeout time.Duration
	hashes      []string
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Step a guardian through federation setup",
}

// withSession wraps a setup step with session open and close.
func withSession(step func(cmd *cobra.Command, s *setup.Session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		cmd.SetContext(ctx)

		d, s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := step(cmd, s, args); err != nil {
			return err
		}
		printProgress(cmd.OutOrStdout(), s)
		return nil
	}
}

func printProgress(w io.Writer, s *setup.Session) {
	state := s.State()
	fmt.Fprintf(w, "%s: %s", s.ID(), state.Progress)
	if state.Role != "" {
		fmt.Fprintf(w, " (%s)", state.Role)
	}
	fmt.Fprintln(w)
}

var roleCmd = &cobra.Command{
	Use:   "role <host|follower|solo>",
	Short: "Choose this guardian's role",
	Args:  cobra.ExactArgs(1),
	RunE: withSession(func(cmd *cobra.Command, s *setup.Session, args []string) error {
		role, err := parseRole(args[0])
		if err != nil {
			return err
		}
		if tos := s.State().TosConfig; tos.ShowTos {
			if !acceptTos {
				fmt.Fprintln(cmd.OutOrStdout(), tos.Tos)
				return domain.ErrTosNotAccepted
			}
			if err := s.AcceptTos(cmd.Context()); err != nil {
				return err
			}
		}
		return s.ChooseRole(cmd.Context(), role)
	}),
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Set the password, name and federation parameters",
	RunE: withSession(func(cmd *cobra.Command, s *setup.Session, args []string) error {
		ctx := cmd.Context()
		meta, err := parseMeta(cfgMeta)
		if err != nil {
			return err
		}
		params, err := s.DefaultParams(ctx)
		if err != nil {
			return err
		}
		if cfgParams != "" {
			data, err := os.ReadFile(cfgParams)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, &params); err != nil {
				return fmt.Errorf("parse %s: %w", cfgParams, err)
			}
		}
		if params.Meta == nil {
			params.Meta = make(map[string]string)
		}
		for k, v := range meta {
			params.Meta[k] = v
		}
		name := cfgName
		if name == "" {
			name = s.State().MyName
		}
		return s.SubmitConfiguration(ctx, setup.Config{
			Password: password,
			MyName:   name,
			NumPeers: cfgPeers,
			HostURL:  cfgHostURL,
			Params:   params,
		})
	}),
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Wait for every guardian to join the federation",
	RunE: withSession(func(cmd *cobra.Command, s *setup.Session, args []string) error {
		ctx := cmd.Context()
		if waitTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, waitTimeout)
			defer cancel()
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Waiting for guardians to connect...")
		state, err := s.WaitForConnections(ctx)
		if err != nil {
			return err
		}
		printRoster(cmd.OutOrStdout(), state)
		if state.Role == domain.RoleFollower && state.Progress == domain.ProgressConnectGuardians {
			if !approve {
				fmt.Fprintln(cmd.OutOrStdout(), "Review the configuration above, then run 'guardianctl setup connect --approve'.")
				return nil
			}
			return s.Approve(ctx)
		}
		return nil
	}),
}

func printRoster(out io.Writer, state domain.SetupState) {
	if params := state.ConfigGenParams; params != nil && len(params.Meta) > 0 {
		for k, v := range params.Meta {
			fmt.Fprintf(out, "%s: %s\n", k, v)
		}
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tAPI")
	for id, p := range state.Peers {
		marker := ""
		if state.OurCurrentID != nil && *state.OurCurrentID == id {
			marker = " (you)"
		}
		fmt.Fprintf(w, "%d\t%s%s\t%s\t%s\n", id, p.Name, marker, p.Status, p.APIURL)
	}
	w.Flush()
}

var dkgCmd = &cobra.Command{
	Use:   "dkg",
	Short: "Run distributed key generation",
	RunE: withSession(func(cmd *cobra.Command, s *setup.Session, args []string) error {
		ctx := cmd.Context()
		done := make(chan error, 1)
		go func() { done <- s.RunDKG(ctx) }()

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case err := <-done:
				return err
			case <-ticker.C:
				if waiting, pct := s.DKGProgress(); waiting {
					fmt.Fprintf(cmd.OutOrStdout(), "Waiting for other guardians... %d%% ready\n", pct)
				}
			}
		}
	}),
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Show our verification hash and check the other guardians' hashes",
	Long: `Without --hash, print this guardian's verification code and the peer table.
With --hash, check the entered codes. Once all match, a follower or solo
guardian starts consensus straight away; a host confirms with 'setup start'.`,
	RunE: withSession(func(cmd *cobra.Command, s *setup.Session, args []string) error {
		ctx := cmd.Context()
		entered, err := parseHashes(hashes)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entered) == 0 && !setup.Singleton(s.State()) {
			v, err := s.Verification(ctx)
			if err != nil {
				return err
			}
			printVerification(out, v)
			return nil
		}
		v, started, err := s.Verify(ctx, entered)
		if err != nil {
			return err
		}
		if v != nil {
			printVerification(out, v)
		}
		switch {
		case started:
			fmt.Fprintln(out, "Consensus started.")
		case v != nil && v.Confirmed():
			fmt.Fprintln(out, "All guardians verified. Run 'guardianctl setup start' to start the federation.")
		}
		return nil
	}),
}

func printVerification(out io.Writer, v *setup.Verifier) {
	fmt.Fprintf(out, "Your verification code (%s): %s\n", v.OurName(), v.OurHash())
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENTERED\tVERIFIED")
	for _, r := range v.Rows() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\n", r.ID, r.Name, r.Entered, r.Verified)
	}
	w.Flush()
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start consensus once every hash is verified",
	RunE: withSession(func(cmd *cobra.Command, s *setup.Session, args []string) error {
		err := s.StartConsensus(cmd.Context())
		if errors.Is(err, domain.ErrConsensusUnconfirmed) {
			fmt.Fprintln(cmd.OutOrStdout(), "Consensus was started but could not be confirmed; run 'guardianctl setup recheck'.")
		}
		return err
	}),
}

var recheckCmd = &cobra.Command{
	Use:   "recheck",
	Short: "Check once whether consensus is running",
	RunE: withSession(func(cmd *cobra.Command, s *setup.Session, args []string) error {
		running, err := s.RecheckConsensus(cmd.Context())
		if err != nil {
			return err
		}
		if !running {
			fmt.Fprintln(cmd.OutOrStdout(), "Consensus is not running yet.")
		}
		return nil
	}),
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart setup on the server and locally",
	RunE: withSession(func(cmd *cobra.Command, s *setup.Session, args []string) error {
		return s.Restart(cmd.Context())
	}),
}
