package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

var hashKeyCost int

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key",
	Short: "Hash an API key for api.api_key_hash",
	Long: `Reads an API key from the terminal (or stdin when piped) and prints
its bcrypt hash for the api.api_key_hash setting.`,
	RunE: runHashKey,
}

func init() {
	hashKeyCmd.Flags().IntVar(&hashKeyCost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	rootCmd.AddCommand(hashKeyCmd)
}

func runHashKey(cmd *cobra.Command, args []string) error {
	key, err := readKey(os.Stdin)
	if err != nil {
		return err
	}

	hash, err := hashKey(key, hashKeyCost)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func readKey(in *os.File) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "API key: ")
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read key: %w", err)
		}
		return string(data), nil
	}
	return readKeyLine(in)
}

func readKeyLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func hashKey(key string, cost int) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("API key must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}
