package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/auth"
	"github.com/studykit/studysync/schema"
	"github.com/studykit/studysync/usecase"
)

func seedStudyData(env *testEnv, userID primitive.ObjectID) {
	env.repository.Docs[schema.KindSensorData] = append(env.repository.Docs[schema.KindSensorData], bson.M{
		schema.FieldID:          primitive.NewObjectID(),
		schema.FieldUserID:      userID,
		schema.FieldType:        "heart_rate",
		schema.TimestampsColumn: []int64{1000, 2000, 3000},
		"values":                []interface{}{70, 71, 72},
	})
	env.repository.Docs[schema.KindDayRecord] = append(env.repository.Docs[schema.KindDayRecord], bson.M{
		schema.FieldID:           primitive.NewObjectID(),
		schema.FieldUserID:       userID,
		schema.FieldEffectiveDay: time.Date(2023, time.April, 1, 0, 0, 0, 0, time.UTC),
		"steps":                  float64(700),
	})
}

func TestDataRequest_ParticipantForbidden(t *testing.T) {
	env := newTestEnv()
	env.authClient.Role = auth.RoleParticipant

	response := env.request(t, "POST", "/v1/data/request", StudyDataRequest{})
	assert.Equal(t, http.StatusForbidden, response.Code)
}

func TestDataRequest_Extraction(t *testing.T) {
	env := newTestEnv()
	env.authClient.Role = auth.RoleSupervisor
	userID := primitive.NewObjectID()
	seedStudyData(env, userID)

	payload := map[string]interface{}{
		"user_id":   []string{userID.Hex()},
		"data_type": []string{"SensorData", "UserData"},
	}
	response := env.request(t, "POST", "/v1/data/request", payload)
	assert.Equal(t, http.StatusOK, response.Code)

	var result map[string][]StudyData
	decodeBody(t, response, &result)
	assert.Contains(t, result, userID.Hex())
	series := result[userID.Hex()]
	assert.Len(t, series, 2)

	assert.Equal(t, schema.KindSensorData, series[0].DataType)
	assert.Equal(t, "heart_rate", *series[0].SensorDataType)
	assert.Equal(t, int64(3), series[0].Count)
	assert.NotNil(t, series[0].Data)

	assert.Equal(t, schema.KindDayRecord, series[1].DataType)
	assert.Equal(t, int64(1), series[1].Count)

	assert.Len(t, env.repository.Requests, 1, "extraction requests are audited")
}

func TestDataRequest_CountOnly(t *testing.T) {
	env := newTestEnv()
	env.authClient.Role = auth.RoleSupervisor
	userID := primitive.NewObjectID()
	seedStudyData(env, userID)

	payload := map[string]interface{}{
		"user_id":          userID.Hex(),
		"data_type":        "SensorData",
		"sensor_data_type": "heart_rate",
		"count_only":       true,
	}
	response := env.request(t, "POST", "/v1/data/request", payload)
	assert.Equal(t, http.StatusOK, response.Code)

	var result map[string][]StudyData
	decodeBody(t, response, &result)
	series := result[userID.Hex()]
	assert.Len(t, series, 1)
	assert.Equal(t, int64(3), series[0].Count)
	assert.Nil(t, series[0].Data)
}

func TestDataRequest_UnknownSensorTypeSkipped(t *testing.T) {
	env := newTestEnv()
	env.authClient.Role = auth.RoleSupervisor
	userID := primitive.NewObjectID()
	seedStudyData(env, userID)

	payload := map[string]interface{}{
		"user_id":          userID.Hex(),
		"data_type":        "SensorData",
		"sensor_data_type": "oxygen_saturation",
	}
	response := env.request(t, "POST", "/v1/data/request", payload)
	assert.Equal(t, http.StatusOK, response.Code)

	var result map[string][]StudyData
	decodeBody(t, response, &result)
	assert.Empty(t, result[userID.Hex()])
}

func TestDataRequest_InvalidUserID(t *testing.T) {
	env := newTestEnv()
	env.authClient.Role = auth.RoleSupervisor

	payload := map[string]interface{}{
		"user_id":   "not-an-id",
		"data_type": "UserData",
	}
	response := env.request(t, "POST", "/v1/data/request", payload)
	assert.Equal(t, http.StatusBadRequest, response.Code)
}

func TestStringList_ScalarAndArray(t *testing.T) {
	var list StringList
	assert.NoError(t, json.Unmarshal([]byte(`"single"`), &list))
	assert.Equal(t, StringList{"single"}, list)

	assert.NoError(t, json.Unmarshal([]byte(`["a","b"]`), &list))
	assert.Equal(t, StringList{"a", "b"}, list)

	assert.Error(t, json.Unmarshal([]byte(`42`), &list))
}

func TestUserStats_Audited(t *testing.T) {
	env := newTestEnv()
	userID := primitive.NewObjectID()
	env.authClient.UserID = userID.Hex()

	response := env.request(t, "GET", "/v1/data/stats/"+userID.Hex(), nil)
	assert.Equal(t, http.StatusOK, response.Code)

	assert.Len(t, env.repository.Requests, 1)
	entry := env.repository.Requests[0]
	assert.Equal(t, userID.Hex(), entry["requested_by"])
	assert.Equal(t, []string{userID.Hex()}, entry["user_ids"])
	assert.Equal(t, true, entry["stats_only"])
}

func TestStudyStats_ParticipantForbidden(t *testing.T) {
	env := newTestEnv()
	env.authClient.Role = auth.RoleParticipant

	response := env.request(t, "GET", "/v1/data/stats", nil)
	assert.Equal(t, http.StatusForbidden, response.Code)
}

func TestStudyStats_NotReady(t *testing.T) {
	env := newTestEnv()
	env.authClient.Role = auth.RoleSupervisor

	response := env.request(t, "GET", "/v1/data/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, response.Code)
}

func TestStudyStats_Snapshot(t *testing.T) {
	env := newTestEnv()
	env.authClient.Role = auth.RoleSupervisor
	userID := primitive.NewObjectID()
	seedStudyData(env, userID)

	assert.NoError(t, env.statsCache.Regenerate())

	response := env.request(t, "GET", "/v1/data/stats", nil)
	assert.Equal(t, http.StatusOK, response.Code)

	var snapshot usecase.StatsSnapshot
	decodeBody(t, response, &snapshot)
	assert.Contains(t, snapshot.Users, userID.Hex())
	assert.False(t, snapshot.GeneratedAt.IsZero())
	assert.Len(t, env.repository.Requests, 1)
}
