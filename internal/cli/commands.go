package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/vedran77/chatrelay/internal/client"
	"github.com/vedran77/chatrelay/internal/domain"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Stay connected and print incoming events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		s, err := newSession(func(evt *domain.OutboundEvent) { printEvent(out, evt) })
		if err != nil {
			return err
		}

		done, err := startSession(cmd.Context(), s)
		if err != nil {
			return err
		}
		printSummaries(out, s.State().Summaries())
		return <-done
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <channel-id> <message>",
	Short: "Send a message to a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid channel id: %w", err)
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
			msg, err := s.Send(ctx, channelID, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
			return nil
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <user-id>",
	Short: "Open a two-party chat with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
			id, err := s.CreateChat(ctx, peer)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var groupCmd = &cobra.Command{
	Use:   "group <name> <user-id>...",
	Short: "Create a group with the given members",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		members := make([]uuid.UUID, 0, len(args)-1)
		for _, arg := range args[1:] {
			id, err := uuid.Parse(arg)
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", arg, err)
			}
			members = append(members, id)
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
			id, err := s.CreateGroup(ctx, args[0], members)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd.Context(), func(_ context.Context, s *client.Session) error {
			printSummaries(cmd.OutOrStdout(), s.State().Summaries())
			return nil
		})
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Print the name of the node serving this connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, s *client.Session) error {
			name, err := s.ServerName(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(connectCmd, sendCmd, chatCmd, groupCmd, channelsCmd, serverCmd)
}

func printSummaries(w io.Writer, sums []client.Summary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Channel", "Name", "Kind", "Last message"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, s := range sums {
		kind := lo.Ternary(s.IsGroup, "group", "chat")
		last := ""
		if s.LastMessage != nil {
			last = fmt.Sprintf("%s %s", s.LastMessage.CreatedAt.Format(time.Kitchen), s.LastMessage.Body)
		}
		table.Append([]string{s.ChannelID.String(), s.Name, kind, last})
	}
	table.Render()
}

func printEvent(w io.Writer, evt *domain.OutboundEvent) {
	switch evt.Kind {
	case domain.EventNewMessage:
		fmt.Fprintf(w, "[%s] %s: %s\n", evt.Message.ChannelID, evt.Message.SenderID, evt.Message.Body)
	case domain.EventNewGroup:
		fmt.Fprintf(w, "new group %q (%s)\n", evt.Channel.Name, evt.Channel.ID)
	case domain.EventNewChat:
		fmt.Fprintf(w, "new chat %s\n", evt.Channel.ID)
	}
}
