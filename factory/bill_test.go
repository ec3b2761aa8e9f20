package factory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/utility-billing/billing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"15000", "15000", true},
		{"15,000", "15000", true},
		{"$1,234.50", "1234.5", true},
		{" 0.1479 ", "0.1479", true},
		{"(4.50)", "-4.5", true},
		{"-12", "-12", true},
		{"", "0", false},
		{"   ", "0", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			v, ok, err := ParseAmount(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.ok, ok)
			assert.True(t, decimal.RequireFromString(tc.want).Equal(v), "got %s", v)
		})
	}

	_, _, err := ParseAmount("about twelve")
	assert.Error(t, err)
}

func TestParseBill_MixedShapes(t *testing.T) {
	// GIVEN: A bill whose amounts are numbers, strings, null, and missing
	// WHEN: Parsing
	// THEN: All amounts are decimals, missing ones zero, rate kept as absent

	f := NewBillFactory()
	f.Clock = func() time.Time { return time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC) }

	bill, warnings, err := f.ParseBill([]byte(`{
		"id": "bill-a",
		"property_id": "prop-1",
		"start_date": "2025-06-01",
		"end_date": "2025-06-15T00:00:00Z",
		"kilowatt_hours": "15,000",
		"state_sales_tax": 100,
		"gross_receipt_tax": null,
		"adjustment": "(4.50)",
		"delivery_charges": ""
	}`))
	require.NoError(t, err)

	assert.Equal(t, billing.BillID("bill-a"), bill.ID)
	require.NotNil(t, bill.StartDate)
	require.NotNil(t, bill.EndDate)
	assert.Equal(t, billing.NewDate(2025, time.June, 15), *bill.EndDate)
	assert.True(t, decimal.NewFromInt(15000).Equal(bill.KilowattHours))
	assert.True(t, decimal.NewFromInt(100).Equal(bill.StateSalesTax))
	assert.True(t, bill.GrossReceiptTax.IsZero())
	assert.True(t, decimal.RequireFromString("-4.5").Equal(bill.Adjustment))
	assert.True(t, bill.DeliveryCharges.IsZero())
	assert.Nil(t, bill.CostPerKilowattHour)
	assert.False(t, bill.KilowattHoursMissing)
	assert.Contains(t, warnings, "cost_per_kwh missing")
}

func TestParseBill_BadDatesBecomeAbsent(t *testing.T) {
	f := NewBillFactory()
	bill, warnings, err := f.ParseBill([]byte(`{"property_id":"prop-1","start_date":"June 1st","cost_per_kwh":"0.12"}`))
	require.NoError(t, err)

	assert.Nil(t, bill.StartDate)
	assert.Nil(t, bill.EndDate)
	assert.False(t, bill.HasDates())
	assert.NotEmpty(t, bill.ID)
	assert.True(t, bill.KilowattHoursMissing)
	assert.Contains(t, bill.Incomplete(), "kilowatt_hours")
	assert.ElementsMatch(t, []string{"start_date unparseable", "end_date missing", "kilowatt_hours missing"}, warnings)
}

func TestParseBill_Rejects(t *testing.T) {
	f := NewBillFactory()

	_, _, err := f.ParseBill([]byte(`{"start_date":"2025-06-01"}`))
	assert.True(t, billing.IsClientError(err))

	_, _, err = f.ParseBill([]byte(`{"property_id":"p","kilowatt_hours":"lots"}`))
	assert.Error(t, err)

	_, _, err = f.ParseBill([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseBill_RejectsNegativeUsageAndRate(t *testing.T) {
	// GIVEN: Bills with a negative kWh reading or a negative unit rate
	// WHEN: Parsing
	// THEN: Both fail validation naming the field; a negative adjustment is fine

	f := NewBillFactory()

	_, _, err := f.ParseBill([]byte(`{"property_id":"prop-1","kilowatt_hours":"-20000","cost_per_kwh":"0.10"}`))
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "kilowatt_hours", verr.Field)
	assert.True(t, billing.IsClientError(err))

	_, _, err = f.ParseBill([]byte(`{"property_id":"prop-1","kilowatt_hours":"20000","cost_per_kwh":"(0.10)"}`))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "cost_per_kwh", verr.Field)

	bill, _, err := f.ParseBill([]byte(`{"property_id":"prop-1","kilowatt_hours":"0","cost_per_kwh":"0","adjustment":"-12.50"}`))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("-12.5").Equal(bill.Adjustment))
	assert.False(t, bill.KilowattHoursMissing)
}
