// Package config loads collabsync configuration files.
//
// Configuration lives in collabsync.yaml (or .yml, or collabsync.json) in
// the working directory or one of its parents. Durations are Go duration
// strings. Settings left out keep the defaults of client.DefaultConfig and
// relay.DefaultConfig.
//
// # Configuration File Structure
//
//	client:
//	  url: ws://localhost:8080/ws
//	  userId: alice
//	  displayName: Alice
//	  reconnectBaseDelay: 1s
//	  reconnectMaxDelay: 30s
//	  maxReconnectAttempts: 10
//	  heartbeatInterval: 30s
//	  heartbeatTimeout: 10s
//	  outboundQueueCapacity: 1000
//	  conflictWindow: 5s
//	  enablePresence: true
//	  enableCollaboration: true
//	relay:
//	  address: ":8080"
//	  path: /ws
//	  allowedOrigins: [app.example.com]
//	  pingInterval: 30s
//	  pongWait: 60s
//	log:
//	  level: info
//	  format: text
//
// # Usage
//
//	cfg, err := config.LoadFromWorkingDir()
//	if err != nil {
//	    errors.PrintError(err)
//	    os.Exit(1)
//	}
//	c, err := client.New(cfg.ClientConfig(), cfg.Identity(), client.WithURL(cfg.Client.URL))
package config
