package utmetadata

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anacrolix/utmetadata/bep0009"
)

var (
	messagesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "utmetadata",
			Name:      "messages_total",
			Help:      "ut_metadata messages by direction and msg_type.",
		},
		[]string{"direction", "type"},
	)
	handshakesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "utmetadata",
			Name:      "handshakes_total",
			Help:      "extended handshakes by outcome.",
		},
		[]string{"result"},
	)
	verificationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "utmetadata",
			Name:      "verifications_total",
			Help:      "assembled metadata hash checks by outcome.",
		},
		[]string{"result"},
	)
	droppedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "utmetadata",
			Name:      "dropped_messages_total",
			Help:      "inbound ut_metadata messages dropped, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(messagesCounter, handshakesCounter, verificationsCounter, droppedCounter)
}

func countMessage(direction string, t bep0009.MsgType) {
	messagesCounter.WithLabelValues(direction, t.String()).Inc()
}
