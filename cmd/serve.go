package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/apihandlers"
)

var (
	serveAddr string // Listen address
	servePort string // Listen port
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload queue HTTP server",
	Long: `Starts the queue manager and an HTTP server accepting uploads from
devices, exposing job status, cancellation and queue statistics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		manager := appInstance.Manager
		manager.Start(cmd.Context())
		defer manager.Stop()

		// Periodic cleanup keeps terminal records bounded.
		pruneStop := make(chan struct{})
		defer close(pruneStop)
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-pruneStop:
					return
				case <-ticker.C:
					manager.PruneOlderThan(appInstance.Retention())
				}
			}
		}()

		router := gin.Default() // Includes logger and recovery middleware

		apihandlers.RegisterRoutes(router, apihandlers.NewAPIHandler(appInstance))

		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "worker_running": manager.Running()})
		})

		addr := serveAddr
		if addr == "" {
			addr = appInstance.Config.Server.Addr
		}
		port := servePort
		if port == "" {
			port = appInstance.Config.Server.Port
		}
		listenAddr := fmt.Sprintf("%s:%s", addr, port)
		log.Printf("Starting upload queue server on http://%s", listenAddr)

		// router.Run blocks unless an error occurs
		if err := router.Run(listenAddr); err != nil {
			log.Printf("ERROR: Failed to run API server: %v", err)
			return fmt.Errorf("failed to run API server: %w", err)
		}

		log.Println("Upload queue server stopped.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (defaults to server.addr from config)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (defaults to server.port from config)")
}
