package utmetadata

import (
	"github.com/anacrolix/utmetadata/bep0009"
	"github.com/anacrolix/utmetadata/internal/errorsx"
)

func requestMessage(index int) ([]byte, error) {
	return bep0009.Marshal(bep0009.Message{Type: bep0009.Request, Index: index}, nil)
}

// Sends a request for each index to the peer's ut_metadata channel.
func issueRequests(w Wire, channel ExtensionNumber, indices []int) error {
	for _, index := range indices {
		encoded, err := requestMessage(index)
		if err != nil {
			return err
		}
		if err = w.WriteExtended(channel, encoded); err != nil {
			return errorsx.Wrapf(err, "requesting metadata piece %d", index)
		}
		countMessage("out", bep0009.Request)
	}
	return nil
}
