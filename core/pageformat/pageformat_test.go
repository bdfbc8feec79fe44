package pageformat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
)

func newRaw() []byte { return make([]byte, pagemanager.PageSize) }

func TestBasePage_EncodeDecode(t *testing.T) {
	raw := newRaw()
	bp := BasePage{
		PageID:           42,
		PageType:         PageTypeData,
		PrevPageID:       41,
		NextPageID:       pagemanager.MaxPageID,
		InitialSlot:      3,
		TransactionID:    77,
		IsConfirmed:      true,
		ColID:            2,
		ItemsCount:       5,
		UsedBytes:        1000,
		FragmentedBytes:  12,
		NextFreePosition: 1032,
		HighestIndex:     6,
	}
	require.NoError(t, bp.WriteTo(raw))

	// Offsets are part of the on-disk format.
	require.Equal(t, byte(42), raw[0])
	require.Equal(t, byte(PageTypeData), raw[4])
	require.Equal(t, byte(77), raw[14])
	require.Equal(t, byte(1), raw[18])

	got, err := ReadBasePage(raw)
	require.NoError(t, err)
	require.Equal(t, bp, got)
}

func TestBasePage_FreeBytes(t *testing.T) {
	bp := NewBasePage(1, PageTypeData)
	require.Equal(t, pagemanager.PageSize-PageHeaderSize, bp.FreeBytes())

	bp.ItemsCount = 2
	bp.HighestIndex = 1
	bp.UsedBytes = 100
	require.Equal(t, pagemanager.PageSize-PageHeaderSize-100-2*SlotSize, bp.FreeBytes())

	bp.ItemsCount = 255
	require.Equal(t, 0, bp.FreeBytes())
}

func TestReadBasePage_WrongSize(t *testing.T) {
	_, err := ReadBasePage(make([]byte, 10))
	require.ErrorIs(t, err, ErrInvalidPage)
}

func TestSetTransaction(t *testing.T) {
	raw := newRaw()
	bp := NewBasePage(9, PageTypeIndex)
	require.NoError(t, bp.WriteTo(raw))

	SetTransaction(raw, 1234, true)
	got, err := ReadBasePage(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(1234), got.TransactionID)
	require.True(t, got.IsConfirmed)
	require.Equal(t, pagemanager.PageID(9), got.PageID)
	require.Equal(t, PageTypeIndex, got.PageType)
}

func sampleHeader() *HeaderPage {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHeaderPage(created)
	h.LastPageID = 17
	h.FreeEmptyPageID = 11
	h.LastCommit = created.Add(time.Hour)
	h.LastCheckpoint = created.Add(2 * time.Hour)
	h.CommitCounter = 9
	h.CheckpointCounter = 2
	h.UserVersion = -3
	h.CheckpointVersion = 41
	h.Collections["orders"] = 4
	h.Collections["customers"] = 2
	return h
}

func TestHeaderPage_RoundTrip(t *testing.T) {
	raw := newRaw()
	h := sampleHeader()
	require.NoError(t, h.Encode(raw))

	got, err := DecodeHeaderPage(raw)
	require.NoError(t, err)
	require.Equal(t, h.LastPageID, got.LastPageID)
	require.Equal(t, h.FreeEmptyPageID, got.FreeEmptyPageID)
	require.True(t, h.CreationTime.Equal(got.CreationTime))
	require.True(t, h.LastCheckpoint.Equal(got.LastCheckpoint))
	require.True(t, got.LastShrink.IsZero())
	require.Equal(t, int32(-3), got.UserVersion)
	require.Equal(t, uint32(41), got.CheckpointVersion)
	require.Equal(t, h.Collections, got.Collections)
	require.Equal(t, []string{"customers", "orders"}, got.CollectionNames())
}

func TestHeaderPage_DirectoryOverflow(t *testing.T) {
	h := NewHeaderPage(time.Now())
	name := make([]byte, 200)
	for i := range name {
		name[i] = 'a'
	}
	for i := 0; i < 60; i++ {
		h.Collections[string(name)+string(rune('A'+i))] = pagemanager.PageID(i)
	}
	require.ErrorIs(t, h.Encode(newRaw()), ErrPageOverflow)
}

func TestDecodeHeaderPage_BadMagic(t *testing.T) {
	raw := newRaw()
	bp := NewBasePage(0, PageTypeHeader)
	require.NoError(t, bp.WriteTo(raw))
	_, err := DecodeHeaderPage(raw)
	require.ErrorIs(t, err, ErrInvalidPage)
}

func sampleCollection() *CollectionPage {
	return &CollectionPage{
		BasePage:       NewBasePage(4, PageTypeCollection),
		CollectionName: "orders",
		FreeDataPageID: 12,
		DocumentCount:  1500,
		Sequence:       1501,
		CreationTime:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Indexes: []IndexDescriptor{
			{Slot: 0, Name: "_id", Expression: "$._id", Unique: true, HeadNode: PageAddress{PageID: 5, Index: 0}, MaxLevel: 8, KeyCount: 1500, UniqueKeyCount: 1500},
			{Slot: 1, Name: "by_customer", Expression: "$.customer.id", HeadNode: PageAddress{PageID: 6, Index: 1}, MaxLevel: 5, KeyCount: 1500, UniqueKeyCount: 320},
		},
	}
}

func TestCollectionPage_RoundTrip(t *testing.T) {
	raw := newRaw()
	c := sampleCollection()
	require.NoError(t, c.Encode(raw))

	got, err := DecodeCollectionPage(raw)
	require.NoError(t, err)
	require.Equal(t, c.CollectionName, got.CollectionName)
	require.Equal(t, c.FreeDataPageID, got.FreeDataPageID)
	require.Equal(t, c.DocumentCount, got.DocumentCount)
	require.Equal(t, c.Sequence, got.Sequence)
	require.True(t, c.CreationTime.Equal(got.CreationTime))
	require.Equal(t, c.Indexes, got.Indexes)
}

func TestCollectionPage_RejectsLongName(t *testing.T) {
	c := sampleCollection()
	c.CollectionName = string(make([]byte, MaxCollectionNameLength+1))
	require.ErrorIs(t, c.Encode(newRaw()), ErrInvalidPage)
}

func TestDescribe_HeaderPage(t *testing.T) {
	raw := newRaw()
	require.NoError(t, sampleHeader().Encode(raw))

	rec, err := Describe(0, raw)
	require.NoError(t, err)
	require.Equal(t, "Header", rec.PageType)
	require.Equal(t, int64(0), rec.Position)
	require.NotNil(t, rec.Header)
	require.Nil(t, rec.Collection)
	require.Equal(t, uint32(17), rec.Header.LastPageID)
	require.Equal(t, []CollectionEntry{{Name: "customers", PageID: 2}, {Name: "orders", PageID: 4}}, rec.Header.Collections)
}

func TestDescribe_CollectionPage(t *testing.T) {
	raw := newRaw()
	require.NoError(t, sampleCollection().Encode(raw))

	rec, err := Describe(4*pagemanager.PageSize, raw)
	require.NoError(t, err)
	require.Equal(t, "Collection", rec.PageType)
	require.Equal(t, uint32(4), rec.PageID)
	require.NotNil(t, rec.Collection)
	require.Len(t, rec.Collection.Indexes, 2)
	require.Equal(t, "by_customer", rec.Collection.Indexes[1].Name)
	require.Equal(t, uint32(6), rec.Collection.Indexes[1].HeadPageID)
	require.Equal(t, uint32(320), rec.Collection.Indexes[1].UniqueKeyCount)
}

func TestDescribe_DataPageAndEmptyPage(t *testing.T) {
	raw := newRaw()
	bp := NewBasePage(8, PageTypeData)
	bp.ItemsCount = 1
	bp.HighestIndex = 0
	bp.UsedBytes = 60
	bp.TransactionID = 5
	require.NoError(t, bp.WriteTo(raw))

	rec, err := Describe(8*pagemanager.PageSize, raw)
	require.NoError(t, err)
	require.Equal(t, "Data", rec.PageType)
	require.Equal(t, 1, rec.ItemCount)
	require.Equal(t, pagemanager.PageSize-PageHeaderSize-60-SlotSize, rec.FreeBytes)
	require.Equal(t, uint32(5), rec.TransactionID)
	require.Nil(t, rec.Header)
	require.Nil(t, rec.Collection)

	// An all-zero page is an Empty page.
	rec, err = Describe(0, newRaw())
	require.NoError(t, err)
	require.Equal(t, "Empty", rec.PageType)
}

func TestDescribe_UnknownPageType(t *testing.T) {
	raw := newRaw()
	raw[4] = 99
	_, err := Describe(0, raw)
	require.ErrorIs(t, err, ErrUnknownPageType)
}

func TestRecord_JSONFieldNames(t *testing.T) {
	raw := newRaw()
	require.NoError(t, sampleCollection().Encode(raw))
	rec, err := Describe(0, raw)
	require.NoError(t, err)

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	require.Contains(t, m, "_position")
	require.Contains(t, m, "pageType")
	require.Contains(t, m, "collection")
	require.NotContains(t, m, "version")
	require.NotContains(t, m, "header")
}
