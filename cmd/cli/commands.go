package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/and161185/goph-chat/internal/convert"
	"github.com/and161185/goph-chat/internal/crypto/clientcrypto"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

const (
	requestTimeout = 30 * time.Second
	defaultServer  = "http://127.0.0.1:8080"
)

type app struct {
	server   string
	password string
}

func (a *app) pass() (string, error) {
	if a.password != "" {
		return a.password, nil
	}
	if v := os.Getenv("GC_PASSWORD"); v != "" {
		return v, nil
	}
	return "", errors.New("password required (--password or GC_PASSWORD)")
}

func (a *app) base() string {
	if a.server != "" {
		return a.server
	}
	return defaultServer
}

// authed builds a client from the saved token.
func (a *app) authed() (*apiClient, error) {
	tf, err := loadToken()
	if err != nil {
		return nil, err
	}
	server := a.server
	if server == "" {
		server = tf.Server
	}
	return newClient(server, tf.AccessToken), nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "gc",
		Short:         "End-to-end encrypted one-to-one chat client",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&a.server, "server", "", "server base URL (default "+defaultServer+")")
	root.PersistentFlags().StringVarP(&a.password, "password", "p", "", "account password (or GC_PASSWORD)")

	root.AddCommand(
		versionCmd(),
		registerCmd(a),
		loginCmd(a),
		logoutCmd(),
		whoamiCmd(a),
		keygenCmd(a),
		chatsCmd(a),
		openCmd(a),
		historyCmd(a),
		readCmd(a),
		sendCmd(a),
		listenCmd(a),
	)
	return root
}

func timeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gc %s (%s)\n", version, buildDate)
		},
	}
}

func registerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.pass()
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd)
			defer cancel()
			u, err := newClient(a.base(), "").Register(ctx, args[0], pw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", u.Username, u.ID)
			return nil
		},
	}
}

func loginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login <username>",
		Short: "Log in and save the access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.pass()
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd)
			defer cancel()
			lr, err := newClient(a.base(), "").Login(ctx, args[0], pw)
			if err != nil {
				return err
			}
			if err := saveToken(tokenFile{
				Server:      a.base(),
				AccessToken: lr.AccessToken,
				ExpiresAt:   lr.ExpiresAt,
				UserID:      lr.UserID,
				Username:    lr.Username,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s until %s\n", lr.Username, lr.ExpiresAt.Local().Format(time.RFC3339))
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := clearToken(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func whoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.authed()
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd)
			defer cancel()
			u, err := c.Me(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", u.Username, u.ID)
			return nil
		},
	}
}

func keygenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an identity key, seal it under your password and publish it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := a.pass()
			if err != nil {
				return err
			}
			c, err := a.authed()
			if err != nil {
				return err
			}
			priv, err := clientcrypto.GenerateIdentity()
			if err != nil {
				return err
			}
			sealed, err := clientcrypto.SealIdentity([]byte(pw), priv)
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd)
			defer cancel()
			if err := c.PublishKey(ctx, convert.IdentityKey{
				PublicKey:           sealed.PublicKey,
				EncryptedPrivateKey: sealed.EncryptedPrivateKey,
				Salt:                sealed.Salt,
				Nonce:               sealed.Nonce,
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "identity key published")
			return nil
		},
	}
}

func chatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.authed()
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd)
			defer cancel()
			list, err := c.Chats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ch := range list {
				last := "-"
				if ch.MostRecent != nil {
					last = ch.MostRecent.CreatedAt.Local().Format(time.DateTime)
				}
				key := "no key"
				if ch.OtherPublicKey != nil {
					key = "key"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\tunread=%d\tlast=%s\n",
					ch.ConversationID, ch.OtherParticipant.Username, key, ch.Unread, last)
			}
			return nil
		},
	}
}

func openCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "open <username>",
		Short: "Get or create the conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.authed()
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd)
			defer cancel()
			ch, err := c.StartChat(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ch.ConversationID)
			return nil
		},
	}
}

func historyCmd(a *app) *cobra.Command {
	var (
		limit int
		order string
	)
	cmd := &cobra.Command{
		Use:   "history <username>",
		Short: "Print and decrypt the conversation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.pass()
			if err != nil {
				return err
			}
			c, err := a.authed()
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd)
			defer cancel()
			ch, err := c.StartChat(ctx, args[0])
			if err != nil {
				return err
			}
			key, err := c.conversationKey(ctx, pw, ch.ConversationID)
			if err != nil {
				return err
			}
			envs, err := c.History(ctx, ch.ConversationID, limit, order)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range envs {
				fmt.Fprintf(out, "%s %s: %s\n", e.CreatedAt.Local().Format(time.DateTime), e.Author, plaintext(key, e.Ciphertext, e.Nonce))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "number of envelopes (server default when 0)")
	cmd.Flags().StringVar(&order, "order", "asc", "asc (oldest first) or desc")
	return cmd
}

func readCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read <username>",
		Short: "Mark the conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.authed()
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd)
			defer cancel()
			ch, err := c.StartChat(ctx, args[0])
			if err != nil {
				return err
			}
			n, err := c.MarkRead(ctx, ch.ConversationID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "marked %d\n", n)
			return nil
		},
	}
}

func plaintext(key []byte, ct, nonce string) string {
	pt, err := clientcrypto.DecryptMessage(key, ct, nonce)
	if err != nil {
		return "<undecryptable>"
	}
	return string(pt)
}

func sendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <username> <message>",
		Short: "Encrypt and send a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.pass()
			if err != nil {
				return err
			}
			c, err := a.authed()
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd)
			defer cancel()
			ch, err := c.StartChat(ctx, args[0])
			if err != nil {
				return err
			}
			key, err := c.conversationKey(ctx, pw, ch.ConversationID)
			if err != nil {
				return err
			}
			ct, nonce, err := clientcrypto.EncryptMessage(key, []byte(args[1]))
			if err != nil {
				return err
			}
			ws, err := c.Connect(ctx, ch.ConversationID)
			if err != nil {
				return err
			}
			defer ws.Close()
			if err := ws.WriteJSON(convert.InboundFrame{Ciphertext: ct, Nonce: nonce}); err != nil {
				return err
			}
			// a normal close lets the server finish reading the frame
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					break
				}
				var ef convert.ErrorFrame
				if json.Unmarshal(data, &ef) == nil && ef.Error != "" {
					return errors.New(ef.Error)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
}

func listenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "listen <username>",
		Short: "Print incoming messages until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.pass()
			if err != nil {
				return err
			}
			c, err := a.authed()
			if err != nil {
				return err
			}
			setup, cancel := timeout(cmd)
			defer cancel()
			ch, err := c.StartChat(setup, args[0])
			if err != nil {
				return err
			}
			key, err := c.conversationKey(setup, pw, ch.ConversationID)
			if err != nil {
				return err
			}
			ws, err := c.Connect(setup, ch.ConversationID)
			if err != nil {
				return err
			}
			defer ws.Close()

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				_ = ws.Close()
			}()

			out := cmd.OutOrStdout()
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return err
				}
				var f struct {
					convert.OutboundFrame
					Error string `json:"error"`
				}
				if err := json.Unmarshal(data, &f); err != nil {
					continue
				}
				if f.Error != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), "server:", f.Error)
					continue
				}
				fmt.Fprintf(out, "%s: %s\n", f.Author, plaintext(key, f.Ciphertext, f.Nonce))
			}
		},
	}
}
