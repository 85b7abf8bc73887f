// Command server runs the Parley chat server: it wires the credential and
// message store, the transport cipher, and the hub together, then serves the
// chat protocol until interrupted.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/parleychat/parley-server/internal/crypto"
	"github.com/parleychat/parley-server/internal/server"
	"github.com/parleychat/parley-server/internal/store"
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Parley chat server",
	Long: `Run the Parley chat server.

The server accepts client connections over WebSocket, authenticates users
against the sqlite credential store, places them into named rooms, relays
encrypted messages between room members, and persists message history.`,
}

func init() {
	rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
		return runServer()
	}
	flags := rootCmd.Flags()
	flags.String("host", "", "bind address (default: all interfaces)")
	flags.Int("port", 5555, "listen port")
	flags.String("db", "chat_app.db", "path to the sqlite database")
	flags.String("secret-key", "", "base64-encoded Fernet key for transport encryption")
	flags.Bool("allow-dev-key", false, "allow the compiled-in development encryption key")
	flags.StringSlice("rooms", []string{"general", "random", "support"}, "room names")
	flags.Bool("dynamic-rooms", false, "create unknown rooms on demand")
	flags.Int("history-limit", 100, "number of history messages sent on room join")
	flags.StringSlice("allowed-origins", nil, "allowed WebSocket origins")

	viper.SetEnvPrefix("CHAT")
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlag("host", flags.Lookup("host")))
	cobra.CheckErr(viper.BindPFlag("port", flags.Lookup("port")))
	cobra.CheckErr(viper.BindPFlag("db_path", flags.Lookup("db")))
	cobra.CheckErr(viper.BindPFlag("secret_key", flags.Lookup("secret-key")))
	cobra.CheckErr(viper.BindPFlag("allow_dev_key", flags.Lookup("allow-dev-key")))
	cobra.CheckErr(viper.BindPFlag("dynamic_rooms", flags.Lookup("dynamic-rooms")))
	cobra.CheckErr(viper.BindPFlag("history_limit", flags.Lookup("history-limit")))
}

// buildConfig layers the configuration sources: NewConfigFromEnv supplies the
// defaults plus the full CHAT_* environment (including the settings with no
// flag, like message size and rate limits), then the viper-bound flags
// override. Comma-separated list values are parsed by the environment layer;
// the flag wins only when explicitly set.
func buildConfig() *server.Config {
	cfg := server.NewConfigFromEnv()
	cfg.Host = viper.GetString("host")
	cfg.Port = viper.GetInt("port")
	cfg.DatabasePath = viper.GetString("db_path")
	cfg.SecretKey = viper.GetString("secret_key")
	cfg.AllowDevKey = viper.GetBool("allow_dev_key")
	cfg.DynamicRooms = viper.GetBool("dynamic_rooms")
	cfg.HistoryLimit = viper.GetInt("history_limit")

	flags := rootCmd.Flags()
	if flags.Changed("rooms") {
		if rooms, err := flags.GetStringSlice("rooms"); err == nil {
			cfg.Rooms = rooms
		}
	}
	if flags.Changed("allowed-origins") {
		if origins, err := flags.GetStringSlice("allowed-origins"); err == nil {
			cfg.AllowedOrigins = origins
		}
	}
	return cfg
}

func runServer() error {
	cfg := buildConfig()
	server.SetConfig(cfg)

	cipher, err := crypto.NewCipher(cfg.SecretKey, cfg.AllowDevKey)
	if err != nil {
		return err
	}

	messageStore, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := messageStore.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}()

	roster := server.NewRoster(cfg.Rooms, cfg.DynamicRooms)
	hub := server.NewHub(roster, cipher, messageStore)
	go hub.Run()

	httpServer := server.CreateServer(cfg.Addr(), server.SetupRoutes(hub))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	log.Printf("Chat server started on %s", cfg.Addr())
	log.Printf("Available rooms: %v", roster.ListRoomNames())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v. Shutting down server...", sig)
	case err := <-errCh:
		// Bind or listen failure is fatal to the whole process.
		return err
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		log.Printf("Hub shutdown error: %v", err)
	}

	log.Println("Server shutdown complete.")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
