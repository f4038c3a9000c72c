package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilianp07/mqttio/config"
)

var pubOpts struct {
	topic   string
	message string
	qos     int
	retain  bool
}

var pubCmd = &cobra.Command{
	Use:   "pub",
	Short: "Publish a single message",
	RunE:  runPub,
}

func init() {
	pubCmd.Flags().StringVarP(&pubOpts.topic, "topic", "t", "", "topic")
	pubCmd.Flags().StringVarP(&pubOpts.message, "message", "m", "", "payload")
	pubCmd.Flags().IntVarP(&pubOpts.qos, "qos", "q", 0, "QoS level")
	pubCmd.Flags().BoolVarP(&pubOpts.retain, "retain", "r", false, "retain the message")
	_ = pubCmd.MarkFlagRequired("topic")
	rootCmd.AddCommand(pubCmd)
}

func runPub(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openSession(ctx, cfg, "pub-command")
	if err != nil {
		return err
	}
	defer s.close()

	mid := -1
	delivered := false
	var failure error
	if _, err := s.h.OnConnect(func(ok bool, code int, reason string) error {
		if !ok {
			failure = fmt.Errorf("connect rejected (%d): %s", code, reason)
			cancel()
			return failure
		}
		st := s.h.Publish(pubOpts.topic, []byte(pubOpts.message), pubOpts.qos, pubOpts.retain)
		if !st.OK {
			failure = st.Err()
			cancel()
			return failure
		}
		mid = st.Value
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.h.OnPublish(func(m int) error {
		if m != mid {
			return nil
		}
		delivered = true
		return s.h.Disconnect().Err()
	}); err != nil {
		return err
	}
	if _, err := s.h.OnDisconnect(func(bool, int, string) error {
		cancel()
		return nil
	}); err != nil {
		return err
	}

	if err := s.connect(); err != nil {
		return err
	}
	err = s.pump(ctx, false)
	switch {
	case failure != nil:
		return failure
	case delivered:
		return nil
	case err == nil || interrupted(err):
		return errors.New("interrupted before the message was delivered")
	default:
		return err
	}
}
