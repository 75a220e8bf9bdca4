package services

import (
	"context"
	"errors"
	"testing"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryMapper_MapCategoryToField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mapper.Upsert(ctx, &models.CategoryMapping{
		CategoryName: "Web",
		FieldType:    models.FieldTypeSource,
		FieldValue:   "Website",
	}))

	mapping, err := f.mapper.MapCategoryToField(ctx, "Web")
	require.NoError(t, err)
	assert.Equal(t, &models.FieldMapping{FieldType: models.FieldTypeSource, FieldValue: "Website"}, mapping)
	assert.True(t, f.mr.Exists(categoryCacheKeyPrefix+"Web"))

	unmapped, err := f.mapper.MapCategoryToField(ctx, "Personal")
	require.NoError(t, err)
	assert.Nil(t, unmapped)
	cached, err := f.mr.Get(categoryCacheKeyPrefix + "Personal")
	require.NoError(t, err)
	assert.Equal(t, unmappedSentinel, cached)

	// Names are case sensitive
	other, err := f.mapper.MapCategoryToField(ctx, "web")
	require.NoError(t, err)
	assert.Nil(t, other)

	empty, err := f.mapper.MapCategoryToField(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestCategoryMapper_ServesFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mapper.Upsert(ctx, &models.CategoryMapping{
		CategoryName: "Villa",
		FieldType:    models.FieldTypeSubSource,
		FieldValue:   "Villa Rosa",
	}))
	_, err := f.mapper.MapCategoryToField(ctx, "Villa")
	require.NoError(t, err)

	f.store.FailOn("GetCategoryMapping", models.WrapError(models.ErrTransient, "get", errors.New("db down")))
	mapping, err := f.mapper.MapCategoryToField(ctx, "Villa")
	require.NoError(t, err)
	assert.Equal(t, "Villa Rosa", mapping.FieldValue)

	_, err = f.mapper.MapCategoryToField(ctx, "Uncached")
	assert.True(t, models.IsTransient(err))
}

func TestCategoryMapper_InvalidatesOnWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mapper.MapCategoryToField(ctx, "Booked")
	require.NoError(t, err)
	assert.True(t, f.mr.Exists(categoryCacheKeyPrefix+"Booked"))

	require.NoError(t, f.mapper.Upsert(ctx, &models.CategoryMapping{
		CategoryName: "Booked",
		FieldType:    models.FieldTypeStage,
		FieldValue:   "Confirmed",
	}))
	assert.False(t, f.mr.Exists(categoryCacheKeyPrefix+"Booked"))

	mapping, err := f.mapper.MapCategoryToField(ctx, "Booked")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, models.FieldTypeStage, mapping.FieldType)

	require.NoError(t, f.mapper.Delete(ctx, "Booked"))
	mapping, err = f.mapper.MapCategoryToField(ctx, "Booked")
	require.NoError(t, err)
	assert.Nil(t, mapping)

	err = f.mapper.Delete(ctx, "Booked")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestCategoryMapper_UpsertValidation(t *testing.T) {
	f := newFixture(t)

	err := f.mapper.Upsert(context.Background(), &models.CategoryMapping{
		CategoryName: "Web",
		FieldType:    "owner",
		FieldValue:   "Alice",
	})
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	list, err := f.mapper.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCategoryMapper_WithoutRedis(t *testing.T) {
	f := newFixture(t)
	mapper := NewCategoryMapper(f.store.Categories(), nil, 0, nil, nil)
	ctx := context.Background()

	require.NoError(t, mapper.Upsert(ctx, &models.CategoryMapping{
		CategoryName: "Web",
		FieldType:    models.FieldTypeSource,
		FieldValue:   "Website",
	}))
	mapping, err := mapper.MapCategoryToField(ctx, "Web")
	require.NoError(t, err)
	assert.Equal(t, "Website", mapping.FieldValue)
}
