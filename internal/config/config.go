package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	dataRoot      = "./swarm-cache"
	cacheMaxBytes int64
	evictTTL      time.Duration
	janitorEvery  = 2 * time.Minute
	waitMetadata  = 25 * time.Second
	trackersMode  = "all" // all|http|udp|ws|none
	source        = ""

	// adaptive rendition
	autoQualityInterval    = 3 * time.Second
	autoQualityMargin      = 30 // percent
	autoQualityObservation = 10 * time.Second
	autoQualityUpgradeWait = 5 * time.Second
	bandwidthWindow        = 5
	infoInterval           = time.Second

	// segment integrity
	hashRetries    = 3
	hashRetryDelay = 500 * time.Millisecond
	liveHashDelay  = time.Second

	// streamed-manifest recovery
	networkRetryVOD   = 5
	networkRetryLive  = 30
	networkRetryDelay = time.Second

	// auth
	tokenParam  = "videoFileToken"
	tokenHeader = ""
	fileToken   = ""

	// host policy
	refuseP2P    bool
	cellular     bool
	segmentsMode = true

	// bandwidth persistence
	pgDSN            = ""
	bandwidthSubject = "default"

	listenAddr = ":4010"

	// logging
	logFilePath   = ""
	logAllowRegex = `^\[(init|boot|http|engine|swarm|segments|integrity|mirror|bandwidth|fallback|janitor|stats)\]`
	logDenyRegex  = `Unsupported tracker protocol|Ice connection failed`
	logDedupWin   = 3 * time.Second
)

// Load reads .env (if any) and then the process environment.
func Load() {
	_ = godotenv.Load(".env")

	if v := getenv("SWARM_DATA_ROOT", ""); v != "" {
		dataRoot = v
	}
	_ = os.MkdirAll(dataRoot, 0o755)

	cacheMaxBytes = getenvInt64("CACHE_MAX_BYTES", 0)
	evictTTL = getenvDuration("CACHE_EVICT_TTL", evictTTL)
	janitorEvery = getenvDuration("JANITOR_INTERVAL", janitorEvery)
	waitMetadata = getenvDuration("WAIT_METADATA", waitMetadata)
	trackersMode = strings.ToLower(getenv("TRACKERS_MODE", trackersMode))
	source = getenv("SOURCE", source)

	autoQualityInterval = getenvDuration("AUTO_QUALITY_INTERVAL", autoQualityInterval)
	autoQualityMargin = int(getenvInt64("AUTO_QUALITY_MARGIN_PERCENT", int64(autoQualityMargin)))
	autoQualityObservation = getenvDuration("AUTO_QUALITY_OBSERVATION", autoQualityObservation)
	autoQualityUpgradeWait = getenvDuration("AUTO_QUALITY_UPGRADE_DELAY", autoQualityUpgradeWait)
	bandwidthWindow = int(getenvInt64("BANDWIDTH_WINDOW", int64(bandwidthWindow)))
	infoInterval = getenvDuration("INFO_INTERVAL", infoInterval)

	hashRetries = int(getenvInt64("SEGMENT_HASH_RETRIES", int64(hashRetries)))
	hashRetryDelay = getenvDuration("SEGMENT_HASH_RETRY_DELAY", hashRetryDelay)
	liveHashDelay = getenvDuration("LIVE_HASH_DELAY", liveHashDelay)

	networkRetryVOD = int(getenvInt64("NETWORK_RETRY_VOD", int64(networkRetryVOD)))
	networkRetryLive = int(getenvInt64("NETWORK_RETRY_LIVE", int64(networkRetryLive)))
	networkRetryDelay = getenvDuration("NETWORK_RETRY_DELAY", networkRetryDelay)

	tokenParam = getenv("TOKEN_PARAM", tokenParam)
	tokenHeader = getenv("TOKEN_HEADER", tokenHeader)
	fileToken = getenv("VIDEO_FILE_TOKEN", fileToken)

	refuseP2P = getenvBool("REFUSE_P2P", refuseP2P)
	cellular = getenvBool("CELLULAR", cellular)
	segmentsMode = getenvBool("SEGMENTS_SUPPORTED", segmentsMode)

	pgDSN = getenv("PG_DSN", pgDSN)
	bandwidthSubject = getenv("BANDWIDTH_SUBJECT", bandwidthSubject)

	listenAddr = getenv("LISTEN", listenAddr)

	logFilePath = getenv("LOG_FILE", logFilePath)
	logAllowRegex = getenv("LOG_ALLOW", logAllowRegex)
	logDenyRegex = getenv("LOG_DENY", logDenyRegex)
	logDedupWin = getenvDuration("LOG_DEDUP_WINDOW", logDedupWin)
}

// getters
func DataRoot() string                      { return dataRoot }
func CacheMaxBytes() int64                  { return cacheMaxBytes }
func EvictTTL() time.Duration               { return evictTTL }
func JanitorInterval() time.Duration        { return janitorEvery }
func WaitMetadata() time.Duration           { return waitMetadata }
func TrackersMode() string                  { return trackersMode }
func Source() string                        { return source }
func AutoQualityInterval() time.Duration    { return autoQualityInterval }
func AutoQualityMarginPercent() int         { return autoQualityMargin }
func AutoQualityObservation() time.Duration { return autoQualityObservation }
func AutoQualityUpgradeDelay() time.Duration {
	return autoQualityUpgradeWait
}
func BandwidthWindow() int                 { return bandwidthWindow }
func InfoInterval() time.Duration          { return infoInterval }
func SegmentHashRetries() int              { return hashRetries }
func SegmentHashRetryDelay() time.Duration { return hashRetryDelay }
func LiveHashDelay() time.Duration         { return liveHashDelay }
func NetworkRetryVOD() int                 { return networkRetryVOD }
func NetworkRetryLive() int                { return networkRetryLive }
func NetworkRetryDelay() time.Duration     { return networkRetryDelay }
func TokenParam() string                   { return tokenParam }
func TokenHeader() string                  { return tokenHeader }
func FileToken() string                    { return fileToken }
func RefuseP2P() bool                      { return refuseP2P }
func Cellular() bool                       { return cellular }
func SegmentsSupported() bool              { return segmentsMode }
func PGDSN() string                        { return pgDSN }
func BandwidthSubject() string             { return bandwidthSubject }
func ListenAddr() string                   { return listenAddr }
func LogFilePath() string                  { return logFilePath }
func LogAllowRegex() string                { return logAllowRegex }
func LogDenyRegex() string                 { return logDenyRegex }
func LogDedupWindow() time.Duration        { return logDedupWin }

// helpers
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getenvInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare integers are milliseconds
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
