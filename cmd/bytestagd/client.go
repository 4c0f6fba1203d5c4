package main

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"bytestag/dht"
	"bytestag/keys"
	"bytestag/kvstore"
)

func getCmd() *cobra.Command {
	var peer, keyHex, indexHex string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "fetch a value from a peer by key/index and print it to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keys.Parse(keyHex)
			if err != nil {
				return fmt.Errorf("parse key: %w", err)
			}
			index, err := keys.Parse(indexHex)
			if err != nil {
				return fmt.Errorf("parse index: %w", err)
			}

			client, err := newEphemeralClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			value, err := client.GetValue(ctx, peer, kvstore.ID{Key: key, Index: index}, 0)
			if err != nil {
				return fmt.Errorf("get value: %w", err)
			}
			_, err = os.Stdout.Write(value)
			return err
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "address of the peer to query (host:port)")
	cmd.Flags().StringVar(&keyHex, "key", "", "hex-encoded key")
	cmd.Flags().StringVar(&indexHex, "index", "", "hex-encoded index (SHA1 of the value)")
	_ = cmd.MarkFlagRequired("peer")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("index")
	return cmd
}

func putCmd() *cobra.Command {
	var peer, keyHex, file string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "store a value (read from file, or stdin if unset) under key on a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keys.Parse(keyHex)
			if err != nil {
				return fmt.Errorf("parse key: %w", err)
			}

			var value []byte
			if file != "" {
				value, err = os.ReadFile(file)
			} else {
				value, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("read value: %w", err)
			}

			digest := sha1.Sum(value)
			index, err := keys.New(digest[:])
			if err != nil {
				return fmt.Errorf("derive index: %w", err)
			}

			client, err := newEphemeralClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			ok, err := client.StoreValue(ctx, peer, kvstore.ID{Key: key, Index: index}, value, time.Now())
			if err != nil {
				return fmt.Errorf("store value: %w", err)
			}
			if !ok {
				return fmt.Errorf("peer rejected the store")
			}
			fmt.Println(index.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "address of the peer to store on (host:port)")
	cmd.Flags().StringVar(&keyHex, "key", "", "hex-encoded key")
	cmd.Flags().StringVar(&file, "file", "", "file to read the value from (defaults to stdin)")
	_ = cmd.MarkFlagRequired("peer")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

// newEphemeralClient binds a throwaway engine on a random local port, used
// only to drive RPCs against a remote peer from the CLI.
func newEphemeralClient() (*dht.Engine, error) {
	localKey, err := keys.Random()
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	engine, err := dht.NewEngine(dht.Config{LocalKey: localKey, ListenAddr: "127.0.0.1:0"}, kvstore.NewMemoryTable())
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	engine.Start()
	return engine, nil
}
