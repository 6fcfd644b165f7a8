package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbarbey/flowmq-client-go/internal/config"
	"github.com/rbarbey/flowmq-client-go/internal/wire"
	"github.com/rbarbey/flowmq-client-go/pkg/flowmq"
	"github.com/rbarbey/flowmq-client-go/pkg/producer"
)

var (
	sendMessage     string
	sendKey         string
	sendFile        string
	sendCompression string
	sendBatching    bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish one or more messages to --topic",
	Long: `Publish messages to a flowmq topic.

Messages can be provided via:
  --message  a single message value
  --file     newline-delimited messages, one JSON object {"value":...,"key":...} per line,
             or a bare string treated as the value`,
	RunE: runSend,
}

type fileMessage struct {
	Value string `json:"value"`
	Key   string `json:"key"`
}

func init() {
	sendCmd.Flags().StringVarP(&sendMessage, "message", "m", "", "Message value to publish")
	sendCmd.Flags().StringVarP(&sendKey, "key", "k", "", "Partition key")
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "File of newline-delimited messages")
	sendCmd.Flags().StringVar(&sendCompression, "compression", "none", "Compression: none, zlib, zstd, snappy")
	sendCmd.Flags().BoolVar(&sendBatching, "batching", true, "Enable client-side batching")
}

func runSend(cmd *cobra.Command, args []string) error {
	if topicFlag == "" {
		return fmt.Errorf("--topic is required")
	}

	msgs, err := collectMessages()
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return fmt.Errorf("either --message or --file is required")
	}

	cfg := config.Config{
		ServiceURL:              serviceURLFlag,
		ConnectionTimeout:       10 * time.Second,
		KeepAliveInterval:       30 * time.Second,
		OperationTimeout:        30 * time.Second,
		MaxConnectionsPerBroker: 1,
		// Producer is unused by this CLI (it builds a pkg/producer.Config
		// directly below) but Config.Validate always checks it, so it
		// needs valid defaults too.
		Producer: config.ProducerConfig{
			Topic:               topicFlag,
			SendTimeout:         30 * time.Second,
			MaxPendingMessages:  1000,
			BatchingEnabled:     true,
			BatchingMaxMessages: 1000,
			BatchingMaxBytes:    128 * 1024,
			MaxMessageSize:      5 * 1024 * 1024,
		},
	}
	client, err := flowmq.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutFlag)*time.Second)
	defer cancel()

	pcfg := producer.DefaultConfig(topicFlag)
	pcfg.BatchingEnabled = sendBatching
	pcfg.CompressionType = parseCompression(sendCompression)

	p, err := client.NewProducer(ctx, pcfg)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer p.Close()

	for _, m := range msgs {
		id, err := p.Send(ctx, flowmq.Message{Payload: []byte(m.Value), Key: m.Key})
		if err != nil {
			fmt.Fprintf(os.Stderr, "publish failed: %v\n", err)
			continue
		}
		fmt.Printf("published to %s at %s\n", topicFlag, id)
	}
	return p.Flush(ctx)
}

func collectMessages() ([]fileMessage, error) {
	if sendFile != "" {
		return readMessagesFromFile(sendFile)
	}
	if sendMessage != "" {
		return []fileMessage{{Value: sendMessage, Key: sendKey}}, nil
	}
	return nil, nil
}

func readMessagesFromFile(path string) ([]fileMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []fileMessage
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var m fileMessage
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			m = fileMessage{Value: line}
		}
		out = append(out, m)
	}
	return out, scanner.Err()
}

func parseCompression(s string) wire.CompressionType {
	switch strings.ToLower(s) {
	case "zlib":
		return wire.CompressionZlib
	case "zstd":
		return wire.CompressionZstd
	case "snappy":
		return wire.CompressionSnappy
	case "lz4":
		return wire.CompressionLZ4
	default:
		return wire.CompressionNone
	}
}
