package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/driftdb/driftdb/pkg/security"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "driftdb-cli",
	Short:   "driftdb-cli is an operator tool for a driftdb node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"driftdb-cli version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	tokenCreateCmd.Flags().String("secret", "", "HMAC secret the target node's frontend verifies AUTH tokens with (required)")
	tokenCreateCmd.Flags().String("user", "", "User id to embed in the token (required)")
	tokenCreateCmd.Flags().String("roles", "", "Comma-separated role list")
	tokenCreateCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	tokenCmd.AddCommand(tokenCreateCmd)
	rootCmd.AddCommand(tokenCmd)

	statusCmd.Flags().String("data-dir", "./data", "Node data directory (the dataDir a running node's config points at)")
	rootCmd.AddCommand(statusCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage client AUTH tokens",
}

// authClaims mirrors the json shape pkg/frontend.claims unmarshals AUTH
// tokens into -- the two packages agree on wire shape, not on Go type.
type authClaims struct {
	jwt.RegisteredClaims
	UserID string   `json:"uid"`
	Roles  []string `json:"roles"`
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint an HS256 AUTH token for a client to present over the WS frontend",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		user, _ := cmd.Flags().GetString("user")
		rolesRaw, _ := cmd.Flags().GetString("roles")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if secret == "" {
			return fmt.Errorf("--secret is required")
		}
		if user == "" {
			return fmt.Errorf("--user is required")
		}

		var roles []string
		if rolesRaw != "" {
			roles = strings.Split(rolesRaw, ",")
		}

		claims := authClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
			},
			UserID: user,
			Roles:  roles,
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(secret))
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		fmt.Println(signed)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report on a node's data directory while the node is stopped",
	Long: `status opens a node's BoltDB file directly and reports what it finds:
whether the cluster CA has been initialized, and how many keys are stored
per CRDT map. It must not be run against a data directory a driftdbd
process currently has open -- BoltDB allows only one writer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		dbPath := filepath.Join(dataDir, "driftdb.db")

		db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true, Timeout: 2 * time.Second})
		if err != nil {
			return fmt.Errorf("open %s: %w", dbPath, err)
		}
		defer db.Close()

		return db.View(func(tx *bolt.Tx) error {
			caInitialized := tx.Bucket([]byte(security.CABucketName)) != nil
			fmt.Printf("CA initialized: %v\n", caInitialized)

			fmt.Println("maps:")
			return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
				if string(name) == security.CABucketName {
					return nil
				}
				fmt.Printf("  %s: %d keys\n", name, b.Stats().KeyN)
				return nil
			})
		})
	},
}
