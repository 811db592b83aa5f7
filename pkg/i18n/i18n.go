// Package i18n holds the startup/shutdown/fatal-error message catalog, kept
// separate from log.Printf's plain debugging lines the same way the teacher
// splits operator-facing banners from internal loop chatter.
package i18n

import (
	"reflect"
	"sync"
)

type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds every translatable operator-facing string.
type Messages struct {
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string

	RiskCircuitHalted    string
	KillSwitchEngaged    string
	LoopPanicRecovered   string
	SnapshotArchiverDown string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

var messagesEN = Messages{
	Starting:           "execution core starting: mode=%s port=%s",
	ConfigLoaded:       "config loaded (port: %s)",
	UsingDBPath:        "using db path: %s",
	ServerListening:    "server listening on :%s",
	ShuttingDown:       "shutting down gracefully...",
	ConfigLoadFailed:   "config load failed: %v",
	DBInitFailed:       "db init failed: %v",
	DBMigrationsFailed: "db migrations failed: %v",
	APIServerError:     "api server error: %v",

	RiskCircuitHalted:    "risk circuit halted trading: %s",
	KillSwitchEngaged:    "kill switch engaged, all entries blocked",
	LoopPanicRecovered:   "%s: panic recovered: %v",
	SnapshotArchiverDown: "snapshot archiver init failed, archival disabled: %v",
}

var messagesZH = Messages{
	Starting:           "執行核心啟動中：模式=%s 埠號=%s",
	ConfigLoaded:       "設定已載入（埠號：%s）",
	UsingDBPath:        "使用資料庫路徑：%s",
	ServerListening:    "服務監聽於 :%s",
	ShuttingDown:       "正在優雅關閉...",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",

	RiskCircuitHalted:    "風控熔斷已停止交易：%s",
	KillSwitchEngaged:    "緊急停止已啟動，所有新倉皆被阻擋",
	LoopPanicRecovered:   "%s：已攔截 panic：%v",
	SnapshotArchiverDown: "快照歸檔初始化失敗，已停用歸檔：%v",
}

func init() {
	messages = &messagesEN
}

func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()
	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the active message catalog.
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns a message by field name, falling back to the key itself when
// it doesn't name a Messages field (keeps callers building a dynamic key
// from a non-constant source).
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
