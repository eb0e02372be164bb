package config

import (
	"reflect"
	"testing"
)

func TestOptions_TypeList(t *testing.T) {
	tests := []struct {
		name  string
		types string
		want  []string
	}{
		{"default shape", "Invoice,Customer,Item", []string{"Invoice", "Customer", "Item"}},
		{"spaces trimmed", " Invoice , Customer ", []string{"Invoice", "Customer"}},
		{"empty entries dropped", "Invoice,,Customer,", []string{"Invoice", "Customer"}},
		{"empty string", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Options{RecordTypes: tt.types}
			if got := o.TypeList(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TypeList() = %v; want %v", got, tt.want)
			}
		})
	}
}
