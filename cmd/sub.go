package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilianp07/mqttio/config"
	"github.com/kilianp07/mqttio/driver"
)

var subOpts struct {
	topic string
	qos   int
}

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Subscribe to a topic filter and print every message",
	RunE:  runSub,
}

func init() {
	subCmd.Flags().StringVarP(&subOpts.topic, "topic", "t", "", "topic filter")
	subCmd.Flags().IntVarP(&subOpts.qos, "qos", "q", 0, "requested QoS")
	_ = subCmd.MarkFlagRequired("topic")
	rootCmd.AddCommand(subCmd)
}

func runSub(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openSession(ctx, cfg, "sub-command")
	if err != nil {
		return err
	}
	defer s.close()

	out := cmd.OutOrStdout()
	if _, err := s.h.OnConnect(func(ok bool, code int, reason string) error {
		if !ok {
			return fmt.Errorf("connect rejected (%d): %s", code, reason)
		}
		return s.h.Subscribe(subOpts.topic, subOpts.qos).Err()
	}); err != nil {
		return err
	}
	if _, err := s.h.OnSubscribe(func(mid int, granted []int) error {
		for _, q := range granted {
			if q == 0x80 {
				return fmt.Errorf("subscription %q refused", subOpts.topic)
			}
		}
		s.log.Infof("subscribed to %s (mid %d, granted %v)", subOpts.topic, mid, granted)
		return nil
	}); err != nil {
		return err
	}
	if _, err := s.h.OnMessage(func(m driver.Message) error {
		_, err := fmt.Fprintf(out, "%s %d %t %s\n", m.Topic, m.QoS, m.Retain, m.Payload)
		return err
	}); err != nil {
		return err
	}
	if _, err := s.h.OnDisconnect(func(ok bool, code int, reason string) error {
		if !ok {
			s.log.Warnf("disconnected (%d): %s", code, reason)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.connect(); err != nil {
		return err
	}
	if err := s.pump(ctx, true); err != nil && !interrupted(err) {
		return err
	}
	return nil
}
