package orderqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDrainCreditsCoalesces(t *testing.T) {
	q := New()
	q.AddCredit(CreditReq{AccountID: 7, Points: 10}, 1)
	q.AddCredit(CreditReq{AccountID: 7, Points: 5}, 2)
	q.AddCredit(CreditReq{AccountID: 8, Points: 1}, 1)

	out := q.DrainCredits()
	require.Len(t, out, 2)

	byID := map[uint64]uint64{}
	for _, c := range out {
		byID[c.AccountID] = c.Points
	}
	require.EqualValues(t, 15, byID[7])
	require.EqualValues(t, 1, byID[8])

	require.Empty(t, q.DrainCredits())
}

func TestDrainReservationsPreservesOrderAndMakerID(t *testing.T) {
	q := New()
	q.AddReservation(SpendReq{AccountID: 1, Points: 5}, 100)
	q.AddReservation(SpendReq{AccountID: 2, Points: 6}, 200)

	out := q.DrainReservations()
	require.Len(t, out, 2)
	require.EqualValues(t, 100, out[0].MakerID)
	require.EqualValues(t, 1, out[0].Req.AccountID)
	require.EqualValues(t, 200, out[1].MakerID)

	require.Empty(t, q.DrainReservations())
}

func TestDrainReservationsAndFailAll(t *testing.T) {
	q := New()
	q.AddReservation(SpendReq{AccountID: 1, Points: 5}, 42)
	q.AddReservation(SpendReq{AccountID: 2, Points: 6}, 43)

	ids := q.DrainReservationsAndFailAll()
	require.ElementsMatch(t, []uint64{42, 43}, ids)
	require.Empty(t, q.DrainReservations())
}

func TestDrainCreditsThenReaddSameEffect(t *testing.T) {
	q := New()
	q.AddCredit(CreditReq{AccountID: 1, Points: 3}, 1)
	q.AddCredit(CreditReq{AccountID: 1, Points: 4}, 1)
	first := q.DrainCredits()

	q2 := New()
	for _, c := range first {
		q2.AddCredit(CreditReq{AccountID: c.AccountID, Points: c.Points}, 0)
	}
	second := q2.DrainCredits()

	require.Equal(t, first, second)
}
