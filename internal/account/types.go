package account

import "time"

// Account is the persisted account record.
type Account struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Server   string `json:"server"`
	Password string `json:"-"`

	OnlineTime       time.Duration `json:"online_time"`
	LastActivityDate time.Time     `json:"last_activity_date"`
}

// VillageID identifies a village inside the game server.
type VillageID int64

// Village is the persisted village record including the last observed storage.
type Village struct {
	ID        VillageID `json:"id"`
	Account   ID        `json:"account_id"`
	Name      string    `json:"name"`
	Storage   Storage   `json:"storage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Storage is a resource snapshot. -1 means unknown.
type Storage struct {
	Wood      int64 `json:"wood"`
	Clay      int64 `json:"clay"`
	Iron      int64 `json:"iron"`
	Crop      int64 `json:"crop"`
	FreeCrop  int64 `json:"free_crop"`
	Warehouse int64 `json:"warehouse"`
	Granary   int64 `json:"granary"`
}

// TelegramSettings holds per-account notification credentials.
type TelegramSettings struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

func (t TelegramSettings) Empty() bool { return t.BotToken == "" || t.ChatID == "" }
