package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	jsocialflux "github.com/BevzyukIvan/JSocialFlux"
)

var (
	jsonOutput bool

	feedSize int

	chatsSize int

	messagesSize   int
	messagesOlder  int
	messagesFollow bool

	photoDescription string
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	feedCmd.Flags().IntVar(&feedSize, "size", 10, "Number of items")
	chatsCmd.Flags().IntVar(&chatsSize, "size", 20, "Number of chats")
	messagesCmd.Flags().IntVar(&messagesSize, "size", 30, "Messages per page")
	messagesCmd.Flags().IntVar(&messagesOlder, "older", 0, "Additional older pages to load")
	messagesCmd.Flags().BoolVarP(&messagesFollow, "follow", "f", false, "Keep printing live messages")
	photoCmd.Flags().StringVar(&photoDescription, "description", "", "Photo description")

	rootCmd.AddCommand(feedCmd, chatsCmd, messagesCmd, sendCmd, profileCmd, followCmd, unfollowCmd, postCmd, photoCmd)
}

// ============================================================================
// feed / profile
// ============================================================================

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the newest feed items",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()
		ctx, cancel := requestContext()
		defer cancel()

		page, err := client.Feed.List(ctx, nil, feedSize)
		if err != nil {
			return fmt.Errorf("failed to load feed: %w", err)
		}
		if jsonOutput {
			return printJSON(page)
		}
		for _, it := range page.Content {
			text := deref(it.Content)
			if it.Type == jsocialflux.FeedPhoto {
				text = deref(it.ImageURL)
			}
			fmt.Printf("[%s #%d] %s  %s: %s\n", it.Type, it.ID, formatTime(&it.CreatedAt), it.Username, text)
		}
		if page.HasNext {
			fmt.Println("... more available")
		}
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile <username>",
	Short: "Show a user profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()
		ctx, cancel := requestContext()
		defer cancel()

		p, err := client.Users.Profile(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load profile: %w", err)
		}
		if jsonOutput {
			return printJSON(p)
		}
		fmt.Printf("Username:  %s\n", p.Username)
		fmt.Printf("Followers: %d\n", p.FollowersCnt)
		fmt.Printf("Following: %d\n", p.FollowingCnt)
		fmt.Printf("You follow: %v, follows you: %v\n", p.Following, p.Follower)
		return nil
	},
}

var followCmd = &cobra.Command{
	Use:   "follow <username>",
	Short: "Follow a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()
		ctx, cancel := requestContext()
		defer cancel()
		if err := client.Users.Follow(ctx, args[0]); err != nil {
			return fmt.Errorf("follow failed: %w", err)
		}
		fmt.Printf("Following %s\n", args[0])
		return nil
	},
}

var unfollowCmd = &cobra.Command{
	Use:   "unfollow <username>",
	Short: "Stop following a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()
		ctx, cancel := requestContext()
		defer cancel()
		if err := client.Users.Unfollow(ctx, args[0]); err != nil {
			return fmt.Errorf("unfollow failed: %w", err)
		}
		fmt.Printf("Unfollowed %s\n", args[0])
		return nil
	},
}

// ============================================================================
// posts / photos
// ============================================================================

var postCmd = &cobra.Command{
	Use:   "post <text>",
	Short: "Publish a text post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()
		ctx, cancel := requestContext()
		defer cancel()

		p, err := client.Posts.Create(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to create post: %w", err)
		}
		if jsonOutput {
			return printJSON(p)
		}
		fmt.Printf("Post #%d published\n", p.ID)
		return nil
	},
}

var photoCmd = &cobra.Command{
	Use:   "photo <path>",
	Short: "Upload a photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()
		ctx, cancel := requestContext()
		defer cancel()

		p, err := client.Photos.UploadFile(ctx, args[0], photoDescription)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		if jsonOutput {
			return printJSON(p)
		}
		fmt.Printf("Photo #%d uploaded: %s\n", p.ID, p.URL)
		return nil
	},
}

// ============================================================================
// chats / messages
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()
		ctx, cancel := requestContext()
		defer cancel()

		list := jsocialflux.NewChatList()
		pager := jsocialflux.NewChatListPager(client.Chats, list, chatsSize)
		if _, err := pager.LoadMore(ctx); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(list.Items())
		}
		for _, c := range list.Items() {
			kind := "dm"
			if c.IsGroup {
				kind = "group"
			}
			fmt.Printf("#%-6d %-5s %-20s %s  %s\n", c.ChatID, kind, c.DisplayName, formatTime(c.LastSentAt), deref(c.LastMessage))
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <chatId>",
	Short: "Show chat history, optionally following live messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0])
		if err != nil {
			return err
		}
		cfg, client := mustClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		timeline := jsocialflux.NewChatTimeline(chatID)
		pager := jsocialflux.NewMessagePager(client.Messages, timeline, messagesSize)
		if err := pager.LoadInitial(ctx); err != nil {
			return err
		}
		for i := 0; i < messagesOlder && pager.HasNext(); i++ {
			if _, err := pager.LoadOlder(ctx); err != nil {
				return err
			}
		}

		if jsonOutput && !messagesFollow {
			return printJSON(timeline.Items())
		}
		for _, m := range timeline.Items() {
			printMessage(m)
		}
		if !messagesFollow {
			return nil
		}

		log := newLogger(logLevel)
		rt := client.NewRealtime(cfg.Default.WSURL, nil, jsocialflux.WithLogger(log))
		defer rt.Close()

		printed := make(map[int64]bool)
		for _, m := range timeline.Items() {
			printed[m.ID] = true
		}
		unfollow, err := timeline.Follow(ctx, rt, func() {
			for _, m := range timeline.Items() {
				if !printed[m.ID] {
					printed[m.ID] = true
					printMessage(m)
				}
			}
		})
		if err != nil {
			return err
		}
		defer unfollow()

		<-ctx.Done()
		return nil
	},
}

func printMessage(m jsocialflux.MessageDTO) {
	fmt.Printf("%s  #%d %s: %s\n", formatTime(&m.SentAt), m.ID, m.SenderUsername, m.Content)
}

var sendCmd = &cobra.Command{
	Use:   "send <chatId> <text>",
	Short: "Send a chat message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0])
		if err != nil {
			return err
		}
		_, client := mustClient()
		ctx, cancel := requestContext()
		defer cancel()

		m, err := client.Messages.Send(ctx, chatID, args[1])
		if err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}
		if jsonOutput {
			return printJSON(m)
		}
		fmt.Printf("Message #%d sent\n", m.ID)
		return nil
	},
}
