package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const sample = `step,type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest,isFraud,isFlaggedFraud
1,PAYMENT,9839.64,C1231006815,170136.0,160296.36,M1979787155,0.0,0.0,0,0
1,TRANSFER,181.0,C1305486145,181.0,0.0,C553264065,0.0,0.0,1,0
2,CASH_OUT,181.0,C840083671,181.0,0.0,C38997010,21182.0,0.0,1,0
3,CASH_IN,50.5,C840083671,0.0,50.5,C38997010,0.0,0.0,0,0
`

func TestReadRows(t *testing.T) {
	t.Run("All", func(t *testing.T) {
		rows, err := readRows(strings.NewReader(sample), options{keepLegit: 1})
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, 2, countFraud(rows))
		assert.Equal(t, "C1305486145", rows[1].origin)
		assert.Equal(t, 181.0, rows[1].balance)
		assert.Equal(t, 2, rows[2].step)
	})

	t.Run("FraudOnly", func(t *testing.T) {
		rows, err := readRows(strings.NewReader(sample), options{fraudOnly: true, keepLegit: 1})
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("Limit", func(t *testing.T) {
		rows, err := readRows(strings.NewReader(sample), options{limit: 3, keepLegit: 1})
		require.NoError(t, err)
		assert.Len(t, rows, 3)
	})

	t.Run("DropLegitimate", func(t *testing.T) {
		rows, err := readRows(strings.NewReader(sample), options{keepLegit: 0})
		require.NoError(t, err)
		assert.Equal(t, len(rows), countFraud(rows))
	})

	t.Run("MissingColumn", func(t *testing.T) {
		_, err := readRows(strings.NewReader("step,type,amount\n1,PAYMENT,1\n"), options{keepLegit: 1})
		assert.ErrorContains(t, err, "nameorig")
	})

	t.Run("BadAmount", func(t *testing.T) {
		bad := strings.Replace(sample, "9839.64", "lots", 1)
		_, err := readRows(strings.NewReader(bad), options{keepLegit: 1})
		assert.ErrorContains(t, err, "line 2")
	})
}

func TestTransferKind(t *testing.T) {
	assert.Equal(t, domain.TransferWithdrawal, transferKind("CASH_OUT"))
	assert.Equal(t, domain.TransferDeposit, transferKind("cash_in"))
	assert.Equal(t, domain.TransferExternal, transferKind("TRANSFER"))
	assert.Equal(t, domain.TransferInternal, transferKind("PAYMENT"))
	assert.Equal(t, domain.TransferInternal, transferKind("DEBIT"))
}

func TestRowRequest(t *testing.T) {
	req := paysimRow{step: 5, kind: "TRANSFER", amount: 10, origin: "a", dest: "b"}.request(7)
	assert.Equal(t, "paysim-7", req.TransferID)
	assert.Equal(t, domain.TransferExternal, req.Kind)
	assert.Equal(t, "a", req.ActorID)
	assert.Nil(t, req.Timestamp, "the server stamps replayed transfers")
}

func TestPercentile(t *testing.T) {
	assert.Zero(t, percentile(nil, 50))

	lat := make([]time.Duration, 100)
	for i := range lat {
		lat[i] = time.Duration(i+1) * time.Millisecond
	}
	assert.Equal(t, 51*time.Millisecond, percentile(lat, 50))
	assert.Equal(t, 99*time.Millisecond, percentile(lat, 99))
	assert.Equal(t, 100*time.Millisecond, percentile(lat, 100))
}

func TestTally(t *testing.T) {
	var tl tally
	tl.record(true, &domain.RiskAssessment{Decision: domain.DecisionBlock}, time.Millisecond)
	tl.record(false, &domain.RiskAssessment{Decision: domain.DecisionReview, Fallback: true}, time.Millisecond)
	tl.record(true, &domain.RiskAssessment{Decision: domain.DecisionAllow}, time.Millisecond)
	tl.record(false, &domain.RiskAssessment{Decision: domain.DecisionAllow}, time.Millisecond)

	assert.Equal(t, int64(1), tl.tp.Load())
	assert.Equal(t, int64(1), tl.fp.Load())
	assert.Equal(t, int64(1), tl.fn.Load())
	assert.Equal(t, int64(1), tl.tn.Load())
	assert.Equal(t, int64(1), tl.fallback.Load())

	var out bytes.Buffer
	tl.report(&out, time.Second)
	assert.Contains(t, out.String(), "precision 0.5000")
	assert.Contains(t, out.String(), "recall 0.5000")
}
