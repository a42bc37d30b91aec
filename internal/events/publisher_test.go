package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/summa-ledger/summad/internal/events/mocks"
)

func TestMultiPublisherFansOut(t *testing.T) {
	var got []string
	record := func(name string) Publisher {
		return PublisherFunc(func(ctx context.Context, topic string, payload []byte) error {
			got = append(got, name+":"+topic)
			return nil
		})
	}
	multi := MultiPublisher{record("webhooks"), record("stream")}

	err := multi.Publish(context.Background(), "transaction.credit", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, []string{"webhooks:transaction.credit", "stream:transaction.credit"}, got)
}

func TestMultiPublisherStopsOnFirstError(t *testing.T) {
	boom := errors.New("endpoint down")
	var reached bool
	multi := MultiPublisher{
		PublisherFunc(func(ctx context.Context, topic string, payload []byte) error {
			return boom
		}),
		PublisherFunc(func(ctx context.Context, topic string, payload []byte) error {
			reached = true
			return nil
		}),
	}

	err := multi.Publish(context.Background(), "t", nil)
	require.ErrorIs(t, err, boom)
	require.False(t, reached, "later publishers must not run after a failure")
}

func TestMultiPublisherWithMock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	payload := []byte(`{"amount":100}`)
	first := mocks.NewMockPublisher(ctrl)
	second := mocks.NewMockPublisher(ctrl)
	first.EXPECT().Publish(gomock.Any(), "transaction.transfer", payload).Return(nil)
	second.EXPECT().Publish(gomock.Any(), "transaction.transfer", payload).Return(nil)

	multi := MultiPublisher{first, second}
	require.NoError(t, multi.Publish(context.Background(), "transaction.transfer", payload))
}

func TestSignIsDeterministicHexHMAC(t *testing.T) {
	body := []byte(`{"event":"transaction.credit"}`)

	sig := Sign("secret", body)
	require.Len(t, sig, 64)
	require.Equal(t, sig, Sign("secret", body))
	require.NotEqual(t, sig, Sign("other", body))
	require.NotEqual(t, sig, Sign("secret", []byte(`{}`)))

	// Known vector so a receiver in another language can cross-check.
	require.Equal(t,
		"f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		Sign("key", []byte("The quick brown fox jumps over the lazy dog")))
}

func TestProcessorConfigDefaults(t *testing.T) {
	var c ProcessorConfig
	require.Equal(t, 100, c.batchSize())
	require.Equal(t, 5, c.maxRetries())
	require.Equal(t, 72*time.Hour, c.retention())
	require.Equal(t, 10*time.Second, c.publishTimeout())

	c = ProcessorConfig{BatchSize: 25, MaxRetries: 2, RetentionHours: 24, PublishTimeout: time.Second}
	require.Equal(t, 25, c.batchSize())
	require.Equal(t, 2, c.maxRetries())
	require.Equal(t, 24*time.Hour, c.retention())
	require.Equal(t, time.Second, c.publishTimeout())
}
