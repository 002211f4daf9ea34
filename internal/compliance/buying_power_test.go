package compliance

import (
	"bytes"
	"os"
	"testing"

	"ordergate/internal/driver/drivertest"
	"ordergate/internal/logger"
	"ordergate/internal/marketdata"
	"ordergate/internal/order"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuyingPower_RejectedSubmissionIsReleased(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stdout) })

	quotes := marketdata.NewBboCache()
	quotes.PublishBbo(secA, marketdata.MakeBbo(px("9.9"), px("10"), 100, 100))
	rule := NewBuyingPower(usd, px("500"), quotes)

	v := rule.Submit(limitOrder(1, "alice", secA, order.SideBid, 100, "10"))
	require.NotNil(t, v)
	assert.Equal(t, ReasonBuyingPowerExceeded, v.Reason)
	assert.True(t, rule.Used("alice").IsZero(), rule.Used("alice").String())

	accepted := limitOrder(2, "alice", secA, order.SideBid, 40, "10")
	require.Nil(t, rule.Submit(accepted))
	assert.True(t, rule.Used("alice").Equal(px("400")), rule.Used("alice").String())
	drivertest.Accept(t, accepted)
	drivertest.CancelOrder(t, accepted)
	assert.True(t, rule.Used("alice").IsZero(), rule.Used("alice").String())

	assert.NotContains(t, buf.String(), "buying power update")
}
