package core

import (
	"testing"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitValidators(t *testing.T) {
	_en := en.New()
	translator, _ := ut.New(_en, _en).GetTranslator("en")
	validate := validator.New()
	InitValidators(validate, translator)

	type payload struct {
		Name     string `json:"name" validate:"required,notblank"`
		Currency string `json:"currency" validate:"currency_code"`
	}

	tests := []struct {
		name string
		in   payload
		want map[string]string
	}{
		{name: "valid", in: payload{Name: "Alpha", Currency: "KES"}},
		{name: "missing", in: payload{Currency: "KES"}, want: map[string]string{"name": "this field is required"}},
		{
			name: "blank and bad currency",
			in:   payload{Name: "   ", Currency: "kes"},
			want: map[string]string{"name": "this field cannot be blank", "currency": "must be a 3-letter ISO currency code"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate.Struct(tt.in)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			var vErrs validator.ValidationErrors
			require.ErrorAs(t, err, &vErrs)
			got := make(map[string]string)
			for _, fe := range vErrs {
				got[fe.Field()] = fe.Translate(translator)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCleanString(t *testing.T) {
	assert.Equal(t, "MPesa", CleanString("  MPesa \n"))
	assert.Equal(t, "mpesa", CleanString("  MPesa ", true))
}

func TestMapOrdering(t *testing.T) {
	cols := map[string]string{"amount": "amount_minor", "due_date": "due_date"}
	got := MapOrdering([]DBOrdering{{Field: "amount"}, {Field: "1; DROP TABLE x"}, {Field: "due_date", Ascending: true}}, cols)
	assert.Equal(t, []DBOrdering{{Field: "amount_minor"}, {Field: "due_date", Ascending: true}}, got)
	assert.Equal(t, "amount_minor DESC", got[0].String())
	assert.Equal(t, "due_date ASC", got[1].String())
}
