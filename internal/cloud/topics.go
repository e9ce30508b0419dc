package cloud

import (
	"fmt"
	"strings"
)

// 网关级主题
func announceTopic(gw string) string       { return fmt.Sprintf("device/%s/announce", gw) }
func announceAcceptTopic(gw string) string { return fmt.Sprintf("device/%s/announce/accept", gw) }
func announceRejectTopic(gw string) string { return fmt.Sprintf("device/%s/announce/reject", gw) }
func cancelTopic(gw string) string         { return fmt.Sprintf("device/%s/cancel", gw) }
func cancelAcceptTopic(gw string) string   { return fmt.Sprintf("device/%s/cancel/accept", gw) }
func offlineTopic(gw string) string        { return fmt.Sprintf("device/%s/offline", gw) }

// 影子主题
const (
	shadowPrefix        = "$aws/things/"
	updateSuffix        = "/shadow/update"
	deltaSuffix         = "/shadow/update/delta"
	acceptedSuffix      = "/shadow/update/accepted"
	rejectedSuffix      = "/shadow/update/rejected"
	deleteAcceptSuffix  = "/shadow/delete/accepted"
	allAcceptedTopic    = shadowPrefix + "+" + acceptedSuffix
	allRejectedTopic    = shadowPrefix + "+" + rejectedSuffix
	offlinePayload      = `{"state":{"reported":{"onln":0}}}`
	maxUnsubscribeTries = 3
)

func updateTopic(thing string) string         { return shadowPrefix + thing + updateSuffix }
func deltaTopic(thing string) string          { return shadowPrefix + thing + deltaSuffix }
func deleteAcceptedTopic(thing string) string { return shadowPrefix + thing + deleteAcceptSuffix }

// thingFromTopic 从 $aws/things/<thing>/<suffix> 中取出事物名
func thingFromTopic(topic, suffix string) (string, bool) {
	if !strings.HasPrefix(topic, shadowPrefix) || !strings.HasSuffix(topic, suffix) {
		return "", false
	}
	thing := strings.TrimSuffix(strings.TrimPrefix(topic, shadowPrefix), suffix)
	if thing == "" || strings.Contains(thing, "/") {
		return "", false
	}
	return thing, true
}
