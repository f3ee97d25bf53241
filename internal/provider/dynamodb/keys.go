package dynamodb

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// PK/SK prefix constants.
const (
	prefixAggregate = "AGG#"
	prefixEvent     = "EVENT#"
	prefixSaga      = "SAGA#"
	prefixJob       = "JOB#"
	prefixTarget    = "TARGET#"
	prefixWebhook   = "WEBHOOK#"
	prefixDelivery  = "DELIVERY#"
	prefixHealth    = "HEALTH#"
	prefixCheck     = "CHECK#"
	prefixAlert     = "ALERT#"
	prefixLock      = "LOCK#"

	skState    = "STATE"
	skSnapshot = "SNAPSHOT"
	skHead     = "HEAD"
	skLock     = "LOCK"
	skRunning  = "RUNNING"

	// GSI1 partitions for cross-entity queries.
	gsiRunningSagas  = "SAGA#RUNNING"
	gsiDueJobs       = "JOB#DUE"
	gsiDueDeliveries = "DELIVERY#DUE"
	gsiAlerts        = "ALERT"
)

func aggregatePK(id string) string  { return prefixAggregate + id }
func sagaPK(sagaID string) string   { return prefixSaga + sagaID }
func jobPK(jobID string) string     { return prefixJob + jobID }
func targetPK(targetID string) string { return prefixTarget + targetID }
func webhookPK(id string) string    { return prefixWebhook + id }
func deliveryPK(id string) string   { return prefixDelivery + id }
func healthPK(id string) string     { return prefixHealth + id }
func alertPK(subjectID string) string { return prefixAlert + subjectID }
func lockPK(key string) string      { return prefixLock + key }

// eventSK zero-pads the version so lexical SK order equals version order.
func eventSK(version int64) string {
	return fmt.Sprintf("%s%012d", prefixEvent, version)
}

func checkSK(ts time.Time) string {
	return fmt.Sprintf("%s%013d#%s", prefixCheck, ts.UnixMilli(), nonce())
}

func alertSK(ts time.Time) string {
	return fmt.Sprintf("%013d#%s", ts.UnixMilli(), nonce())
}

func timeSK(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func nonce() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func ttlEpoch(d time.Duration) int64 {
	return time.Now().Add(d).Unix()
}

func isExpired(epoch int64) bool {
	return epoch > 0 && time.Now().Unix() > epoch
}
