// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/id"
)

// MattermostConnector implements bridgev2.NetworkConnector for Mattermost.
type MattermostConnector struct {
	Bridge  *bridgev2.Bridge
	Config  Config
	Puppets *PuppetRegistry

	// dpLogins maps Mattermost user IDs to lightweight double-puppet-only
	// logins so their Matrix-side activity can be attributed correctly.
	dpLogins   map[string]networkid.UserLoginID
	dpLoginsMu sync.RWMutex
}

var _ bridgev2.NetworkConnector = (*MattermostConnector)(nil)

func (mc *MattermostConnector) Init(bridge *bridgev2.Bridge) {
	mc.Bridge = bridge
}

func (mc *MattermostConnector) Start(ctx context.Context) error {
	if err := mc.Config.PostProcess(); err != nil {
		return fmt.Errorf("failed to post-process config: %w", err)
	}
	if mc.dpLogins == nil {
		mc.dpLogins = make(map[string]networkid.UserLoginID)
	}
	if mc.Puppets == nil {
		mc.Puppets = NewPuppetRegistry(mc.Bridge.Log, mattermostPuppetDialer(&mc.Config))
	}
	if err := mc.Puppets.Load(ctx, puppetEntriesFromEnv()); err != nil {
		return fmt.Errorf("failed to load puppets: %w", err)
	}

	go mc.autoLogin(ctx)

	// Continuous portal watcher for relay setup on new rooms.
	go mc.WatchNewPortals(ctx, 0)

	mc.startAdminAPI()
	return nil
}

// registerDoublePuppetLogin records the Mattermost user ID of a
// double-puppet-only login so message attribution survives restarts.
func (mc *MattermostConnector) registerDoublePuppetLogin(mmUserID string, loginID networkid.UserLoginID) {
	mc.dpLoginsMu.Lock()
	defer mc.dpLoginsMu.Unlock()
	if mc.dpLogins == nil {
		mc.dpLogins = make(map[string]networkid.UserLoginID)
	}
	mc.dpLogins[mmUserID] = loginID
}

// DoublePuppetLoginID looks up the login registered for a Mattermost user
// ID, if that user has a double-puppet-only session.
func (mc *MattermostConnector) DoublePuppetLoginID(mmUserID string) (networkid.UserLoginID, bool) {
	mc.dpLoginsMu.RLock()
	defer mc.dpLoginsMu.RUnlock()
	loginID, ok := mc.dpLogins[mmUserID]
	return loginID, ok
}

// autoLogin checks for MATTERMOST_AUTO_TOKEN and MATTERMOST_AUTO_SERVER_URL
// env vars and performs an automatic login if no existing logins are found.
// This allows the bridge to connect on first boot without manual bot interaction.
func (mc *MattermostConnector) autoLogin(ctx context.Context) {
	token := os.Getenv("MATTERMOST_AUTO_TOKEN")
	serverURL := os.Getenv("MATTERMOST_AUTO_SERVER_URL")
	ownerMXID := os.Getenv("MATTERMOST_AUTO_OWNER_MXID")
	if token == "" || serverURL == "" || ownerMXID == "" {
		return
	}

	// Wait for the bridge framework to finish loading existing logins.
	time.Sleep(5 * time.Second)

	existingUsers, err := mc.Bridge.DB.UserLogin.GetAllUserIDsWithLogins(ctx)
	if err != nil {
		mc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to check existing logins")
		return
	}
	if len(existingUsers) > 0 {
		mc.Bridge.Log.Info().Int("count", len(existingUsers)).Msg("Existing logins found, skipping auto-login")
		return
	}

	mc.Bridge.Log.Info().Str("server_url", serverURL).Msg("Performing auto-login")

	result, err := validateTokenLogin(ctx, serverURL, token)
	if err != nil {
		mc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to verify token")
		return
	}

	user, err := mc.Bridge.GetUserByMXID(ctx, id.UserID(ownerMXID))
	if err != nil {
		mc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to get bridge user")
		return
	}

	ul, err := user.NewLogin(ctx, &database.UserLogin{
		ID:         MakeUserLoginID(result.User.Id),
		RemoteName: fmt.Sprintf("%s @ %s (auto)", result.User.Username, serverURL),
	}, &bridgev2.NewLoginParams{
		LoadUserLogin: mc.LoadUserLogin,
	})
	if err != nil {
		mc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to create login")
		return
	}

	meta := getLoginMeta(ul)
	meta.ServerURL = serverURL
	meta.Token = token
	meta.UserID = result.User.Id
	meta.TeamID = result.TeamID
	if err := ul.Save(ctx); err != nil {
		mc.Bridge.Log.Error().Err(err).Msg("Auto-login: failed to save login")
		return
	}

	mmClient := ul.Client.(*MattermostClient)
	mmClient.client = result.Client
	mmClient.serverURL = serverURL
	mmClient.userID = result.User.Id
	mmClient.teamID = result.TeamID
	mmClient.Connect(ctx)

	mc.Bridge.Log.Info().
		Str("username", result.User.Username).
		Str("server_url", serverURL).
		Msg("Auto-login complete")

	// Set relay on all portals so puppet users' Matrix messages get bridged.
	// The bridgev2 framework requires a per-portal relay login before it
	// will call HandleMatrixMessage (where the outbound puppet router picks
	// the correct Mattermost client). Without relay, the framework rejects
	// with "not logged in" and the router is never reached.
	go mc.autoSetRelay(ctx, ul)
}

// autoSetRelay sets the auto-login user as the relay for all bridged rooms.
// Runs with retries because portals are created asynchronously during
// Mattermost channel sync after the WebSocket connects.
func (mc *MattermostConnector) autoSetRelay(ctx context.Context, login *bridgev2.UserLogin) {
	// Wait for initial channel sync to create portals.
	time.Sleep(15 * time.Second)

	for attempt := range 3 {
		portals, err := mc.Bridge.GetAllPortalsWithMXID(ctx)
		if err != nil {
			mc.Bridge.Log.Error().Err(err).Msg("Auto-relay: failed to get portals")
			return
		}

		setCount := 0
		for _, portal := range portals {
			if portal.Relay == nil {
				if err := portal.SetRelay(ctx, login); err != nil {
					mc.Bridge.Log.Warn().Err(err).
						Str("portal_mxid", string(portal.MXID)).
						Msg("Auto-relay: failed to set relay")
				} else {
					setCount++
				}
			}
		}

		mc.Bridge.Log.Info().
			Int("set_count", setCount).
			Int("total_portals", len(portals)).
			Int("attempt", attempt+1).
			Msg("Auto-relay: updated portals")

		if attempt < 2 {
			time.Sleep(30 * time.Second)
		}
	}
}

func (mc *MattermostConnector) LoadUserLogin(_ context.Context, login *bridgev2.UserLogin) error {
	login.Client = NewMattermostClient(login, mc)
	return nil
}

func (mc *MattermostConnector) GetName() bridgev2.BridgeName {
	return bridgev2.BridgeName{
		DisplayName:      "Mattermost",
		NetworkURL:       "https://mattermost.com",
		NetworkIcon:      "mxc://maunium.net/mattermost",
		NetworkID:        "mattermost",
		BeeperBridgeType: "mattermost",
		DefaultPort:      29319,
	}
}

func (mc *MattermostConnector) GetDBMetaTypes() database.MetaTypes {
	return database.MetaTypes{
		UserLogin: func() any {
			return &UserLoginMetadata{}
		},
	}
}

func (mc *MattermostConnector) GetCapabilities() *bridgev2.NetworkGeneralCapabilities {
	return &bridgev2.NetworkGeneralCapabilities{
		DisappearingMessages: false,
		AggressiveUpdateInfo: false,
	}
}

func (mc *MattermostConnector) GetBridgeInfoVersion() (info, capabilities int) {
	return 1, 1
}

// UserLoginMetadata stores Mattermost-specific login data.
type UserLoginMetadata struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	TeamID    string `json:"team_id"`
	// DoublePuppetOnly marks logins that exist purely to attribute a
	// Mattermost user's own Matrix activity; they hold no API client.
	DoublePuppetOnly bool `json:"double_puppet_only,omitempty"`
}

// MakeUserLoginID creates a UserLoginID from a Mattermost user ID.
func MakeUserLoginID(userID string) networkid.UserLoginID {
	return networkid.UserLoginID(userID)
}

// ParseUserLoginID extracts the Mattermost user ID from a UserLoginID.
func ParseUserLoginID(loginID networkid.UserLoginID) string {
	return string(loginID)
}

// WatchNewPortals periodically checks for new portal rooms that don't have
// relay set, and sets the relay user on them. Rooms can appear at any time
// after startup (e.g. when a new agent is provisioned), so this runs for the
// life of the bridge.
//
// The interval parameter controls how often the check runs. Pass 0 to use
// the default of 60 seconds.
func (mc *MattermostConnector) WatchNewPortals(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}

	mc.Bridge.Log.Info().
		Dur("interval", interval).
		Msg("Starting WatchNewPortals loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mc.Bridge.Log.Info().Msg("WatchNewPortals stopped")
			return
		case <-ticker.C:
			mc.checkAndSetRelay(ctx)
		}
	}
}

// checkAndSetRelay scans portal rooms and sets relay on any that lack it.
func (mc *MattermostConnector) checkAndSetRelay(ctx context.Context) {
	if mc.Bridge == nil || mc.Bridge.DB == nil {
		return
	}
	portals, err := mc.Bridge.GetAllPortalsWithMXID(ctx)
	if err != nil {
		mc.Bridge.Log.Error().Err(err).Msg("WatchNewPortals: failed to get portals")
		return
	}

	loginUsers, err := mc.Bridge.DB.UserLogin.GetAllUserIDsWithLogins(ctx)
	if err != nil || len(loginUsers) == 0 {
		return
	}

	setCount := 0
	for _, portal := range portals {
		if portal.Relay != nil {
			continue
		}
		for _, userID := range loginUsers {
			user, err := mc.Bridge.GetUserByMXID(ctx, userID)
			if err != nil {
				continue
			}
			logins := user.GetUserLogins()
			if len(logins) > 0 {
				if err := portal.SetRelay(ctx, logins[0]); err != nil {
					mc.Bridge.Log.Warn().Err(err).
						Str("portal_mxid", string(portal.MXID)).
						Msg("WatchNewPortals: failed to set relay")
				} else {
					setCount++
				}
				break
			}
		}
	}

	if setCount > 0 {
		mc.Bridge.Log.Info().
			Int("set_count", setCount).
			Int("total_portals", len(portals)).
			Msg("WatchNewPortals: set relay on new portals")
	}
}
