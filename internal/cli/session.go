package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/docmark/annotator/internal/models"
	"github.com/docmark/annotator/internal/realtime"
	"github.com/docmark/annotator/internal/restclient"
	"github.com/docmark/annotator/internal/store"
	"github.com/docmark/annotator/internal/viewer"
)

type sessionFlags struct {
	userID      string
	userName    string
	pdfPath     string
	apiURL      string
	realtimeURL string
	follow      bool
}

func newSessionCmd() *cobra.Command {
	var f sessionFlags

	cmd := &cobra.Command{
		Use:   "session <document-id> <version-id>",
		Short: "Join a document as a collaborator and print its annotations",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, args[0], args[1], f)
		},
	}

	cmd.Flags().StringVar(&f.userID, "user", "", "User ID to join as")
	cmd.Flags().StringVar(&f.userName, "name", "", "Display name (defaults to the user ID)")
	cmd.Flags().StringVar(&f.pdfPath, "pdf", "", "Local copy of the document to render pages from")
	cmd.Flags().StringVar(&f.apiURL, "api", "", "Annotation API base URL (overrides API_URL)")
	cmd.Flags().StringVar(&f.realtimeURL, "realtime", "", "Realtime base URL (overrides REALTIME_URL)")
	cmd.Flags().BoolVarP(&f.follow, "follow", "f", false, "Keep the session open and print changes")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runSession(cmd *cobra.Command, documentID, versionID string, f sessionFlags) error {
	cfg := getConfig(cmd)
	logger := getLogger(cmd)
	out := cmd.OutOrStdout()

	if f.apiURL != "" {
		cfg.APIURL = f.apiURL
	}
	if f.realtimeURL != "" {
		cfg.RealtimeURL = f.realtimeURL
	}
	user := models.UserRef{ID: f.userID, Name: f.userName}
	if user.Name == "" {
		user.Name = user.ID
	}

	api, err := restclient.New(cfg.APIURL, user, logger)
	if err != nil {
		return err
	}
	channel := realtime.NewClient(realtime.WebsocketDialer{}, realtime.ClientOptions{
		URL:              cfg.RealtimeURL,
		ReconnectDelay:   cfg.ReconnectDelay,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, logger)

	loader, closeLoader := newPageLoader(cfg, logger)
	defer closeLoader()

	sess := viewer.NewSession(channel, api, loader, viewer.SessionOptions{CursorTTL: cfg.CursorTTL}, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Open(ctx, documentID, versionID, user); err != nil {
		return fmt.Errorf("join %s: %w", documentID, err)
	}
	defer sess.Close()

	if f.pdfPath != "" {
		data, err := os.ReadFile(f.pdfPath)
		if err != nil {
			return err
		}
		if err := sess.Shell().Load(ctx, data); err != nil {
			state, _ := sess.Shell().Error()
			fmt.Fprintf(out, "pages unavailable: %s\n", state.Message)
		} else {
			fmt.Fprintf(out, "%d pages\n", sess.Shell().NumPages())
		}
	}

	printCollaborators(out, sess.Presence().Users())
	if err := printAnnotations(out, sess.Store().List()); err != nil {
		return err
	}

	if !f.follow {
		return nil
	}

	st := sess.Store()
	unsubscribe := st.Subscribe(func(c store.Change) {
		fmt.Fprintln(out, describeChange(c, st))
	})
	defer unsubscribe()

	tick := cfg.CursorTTL
	if tick <= 0 {
		tick = realtime.DefaultCursorTTL
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if line := describeCursors(sess.Cursors(now)); line != last {
				fmt.Fprintln(out, line)
				last = line
			}
		}
	}
}

func describeCursors(cursors []models.Cursor) string {
	if len(cursors) == 0 {
		return "cursors: none"
	}
	parts := make([]string, 0, len(cursors))
	for _, c := range cursors {
		name := c.UserName
		if name == "" {
			name = c.UserID
		}
		parts = append(parts, fmt.Sprintf("%s p%d (%.0f%%, %.0f%%)", name, c.PageNumber, c.X, c.Y))
	}
	return "cursors: " + strings.Join(parts, ", ")
}

func printCollaborators(w io.Writer, users []models.ActiveUser) {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "collaborators: %s\n", strings.Join(names, ", "))
}

// printAnnotations lists annotations grouped by page.
func printAnnotations(w io.Writer, annotations []models.Annotation) error {
	sorted := append([]models.Annotation(nil), annotations...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].PageNumber != sorted[j].PageNumber {
			return sorted[i].PageNumber < sorted[j].PageNumber
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAGE\tTYPE\tAUTHOR\tID\tCONTENT")
	for _, a := range sorted {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", a.PageNumber, a.Type, a.CreatedBy.Name, a.ID, truncate(a.Content, 40))
	}
	return tw.Flush()
}

func describeChange(c store.Change, st *store.Store) string {
	origin := "local"
	if c.Remote {
		origin = "remote"
	}
	if c.Kind == models.EventSync {
		return fmt.Sprintf("[%s] resync: %d annotations", origin, len(st.List()))
	}

	parts := make([]string, 0, len(c.AnnotationIDs))
	for _, id := range c.AnnotationIDs {
		if a, ok := st.Get(id); ok {
			parts = append(parts, fmt.Sprintf("%s p%d %s", id, a.PageNumber, a.Type))
			continue
		}
		parts = append(parts, id)
	}
	return fmt.Sprintf("[%s] %s %s", origin, strings.ToLower(string(c.Kind)), strings.Join(parts, ", "))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

var (
	_ viewer.Channel  = (*realtime.Client)(nil)
	_ store.Persister = (*restclient.Client)(nil)
)
