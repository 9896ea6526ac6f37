package p2p

import "strings"

const (
	orderbookTopicPrefix = "orderbook/"
	swapTopicPrefix      = "swap/"
)

// OrderbookPrefix subscribes to every pair.
const OrderbookPrefix = orderbookTopicPrefix

// SwapPrefix subscribes to the messages of every swap.
const SwapPrefix = swapTopicPrefix

func OrderbookTopic(base, rel string) string {
	return orderbookTopicPrefix + base + "/" + rel
}

func SwapTopic(uuid string) string {
	return swapTopicPrefix + uuid
}

// SwapUuidFromTopic returns the uuid part of a swap topic.
func SwapUuidFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, swapTopicPrefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, swapTopicPrefix), true
}

// topicMatches treats a subscription ending in "/" as a prefix.
func topicMatches(subscription, topic string) bool {
	if strings.HasSuffix(subscription, "/") {
		return strings.HasPrefix(topic, subscription)
	}
	return subscription == topic
}
