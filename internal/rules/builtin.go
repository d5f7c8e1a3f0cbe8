package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/vouch/internal/model"
)

// TPM 2.0 constants checked by the quote rules.
const (
	TPMGeneratedMagic = "ff544347"
	TPMSTAttestQuote  = "8018"
)

// Builtins returns the rules every registry starts from.
func Builtins() []Rule {
	return []Rule{
		constant("null/pass", model.Pass),
		constant("null/fail", model.Fail),
		constant("null/indeterminate", model.Indeterminate),
		New("tpm2/quote/magic", "TPM quote magic number is TPM_GENERATED_VALUE", quoteMagic),
		New("tpm2/quote/type", "TPM quote type is TPM_ST_ATTEST_QUOTE", quoteType),
		New("tpm2/quote/safe", "TPM clock is marked safe", quoteSafe),
		New("tpm2/quote/firmware", "TPM firmware version matches the expected value", quoteFirmware),
		New("tpm2/quote/attestedvalue", "TPM quote PCR digest matches the expected attested value", quoteAttestedValue),
		New("tpm2/pcrs", "every expected PCR value matches the claim", pcrs),
		New("hash/digest", "claim digest matches the expected digest", digest),
		NewRego(),
	}
}

func constant(name string, o model.Outcome) Rule {
	return New(name, fmt.Sprintf("always returns %s", o), func(context.Context, Input) (model.Outcome, string, error) {
		return o, fmt.Sprintf("%s always returns %s", name, o), nil
	})
}

// claimEquals compares a claim field with a fixed hex constant.
func claimEquals(in Input, path, want string) (model.Outcome, string, error) {
	got, ok := lookupString(in.Claim.Payload, path)
	if !ok {
		return model.Indeterminate, fmt.Sprintf("claim has no %s", path), nil
	}
	if !sameHex(got, want) {
		return model.Fail, fmt.Sprintf("%s is %s, expected %s", path, got, want), nil
	}
	return model.Pass, fmt.Sprintf("%s is %s", path, want), nil
}

// claimMatchesBaseline compares a claim field with a baseline field.
func claimMatchesBaseline(in Input, claimPath, baselinePath string) (model.Outcome, string, error) {
	want, ok := lookupString(in.Expected.Baseline, baselinePath)
	if !ok {
		return model.Indeterminate, fmt.Sprintf("expected value has no %s", baselinePath), nil
	}
	return claimEquals(in, claimPath, want)
}

func quoteMagic(_ context.Context, in Input) (model.Outcome, string, error) {
	return claimEquals(in, "quote.magic", TPMGeneratedMagic)
}

func quoteType(_ context.Context, in Input) (model.Outcome, string, error) {
	return claimEquals(in, "quote.type", TPMSTAttestQuote)
}

func quoteSafe(_ context.Context, in Input) (model.Outcome, string, error) {
	v, ok := lookup(in.Claim.Payload, "quote.clockInfo.safe")
	if !ok {
		return model.Indeterminate, "claim has no quote.clockInfo.safe", nil
	}
	if !truthy(v) {
		return model.Fail, "TPM clock is not safe", nil
	}
	return model.Pass, "TPM clock is safe", nil
}

func quoteFirmware(_ context.Context, in Input) (model.Outcome, string, error) {
	return claimMatchesBaseline(in, "quote.firmwareVersion", "firmwareVersion")
}

func quoteAttestedValue(_ context.Context, in Input) (model.Outcome, string, error) {
	return claimMatchesBaseline(in, "quote.attested.quote.pcrDigest", "attestedValue")
}

// pcrs checks every baseline entry pcrs.<bank>.<index> against the claim.
// A baseline or claim without a well-formed pcrs map is indeterminate.
func pcrs(_ context.Context, in Input) (model.Outcome, string, error) {
	raw, ok := lookup(in.Expected.Baseline, "pcrs")
	if !ok {
		return model.Indeterminate, "expected value has no pcrs", nil
	}
	banks, ok := raw.(map[string]any)
	if !ok || len(banks) == 0 {
		return model.Indeterminate, "expected value pcrs is not a bank map", nil
	}

	claimed, ok := lookup(in.Claim.Payload, "pcrs")
	if !ok {
		return model.Indeterminate, "claim has no pcrs", nil
	}
	claimedBanks, ok := claimed.(map[string]any)
	if !ok {
		return model.Indeterminate, "claim pcrs is not a bank map", nil
	}

	var mismatches []string
	checked := 0
	for bank, rawIndexes := range banks {
		indexes, ok := rawIndexes.(map[string]any)
		if !ok {
			return model.Indeterminate, fmt.Sprintf("expected value bank %s is not an index map", bank), nil
		}
		claimedIndexes, _ := claimedBanks[bank].(map[string]any)
		for index, rawWant := range indexes {
			want, ok := scalar(rawWant)
			if !ok {
				return model.Indeterminate, fmt.Sprintf("expected value pcr %s/%s is not a value", bank, index), nil
			}
			checked++
			got, ok := scalar(claimedIndexes[index])
			switch {
			case claimedIndexes[index] == nil || !ok:
				mismatches = append(mismatches, fmt.Sprintf("%s/%s missing", bank, index))
			case !sameHex(got, want):
				mismatches = append(mismatches, fmt.Sprintf("%s/%s differs", bank, index))
			}
		}
	}

	if len(mismatches) > 0 {
		sort.Strings(mismatches)
		return model.Fail, "pcr mismatch: " + strings.Join(mismatches, ", "), nil
	}
	return model.Pass, fmt.Sprintf("%d pcrs match", checked), nil
}

// digest compares the payload's own digest field, or failing that the
// stored payload digest, with the baseline digest.
func digest(_ context.Context, in Input) (model.Outcome, string, error) {
	want, ok := lookupString(in.Expected.Baseline, "digest")
	if !ok {
		return model.Indeterminate, "expected value has no digest", nil
	}
	got, ok := lookupString(in.Claim.Payload, "digest")
	if !ok {
		got = in.Claim.PayloadDigest
	}
	if got == "" {
		return model.Indeterminate, "claim has no digest", nil
	}
	if !sameHex(got, want) {
		return model.Fail, fmt.Sprintf("digest %s does not match %s", got, want), nil
	}
	return model.Pass, "digest matches", nil
}
